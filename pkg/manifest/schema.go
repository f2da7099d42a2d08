package manifest

// Schema is the JSON schema every manifest document must satisfy.
// Schema stability across builds is required so an in-flight restart can
// diff old vs. new capability declarations.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Hotaru Manifest",
  "type": "object",
  "required": ["commands", "events"],
  "properties": {
    "commands": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "description": { "type": "string" },
          "path": { "type": "string", "minLength": 1 },
          "plugin": { "type": "string" },
          "options": { "type": "object" },
          "localization": {
            "type": "object",
            "additionalProperties": { "type": "string" }
          },
          "defer": { "type": "boolean" },
          "no_reply": { "type": "boolean" }
        }
      }
    },
    "events": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["path"],
          "properties": {
            "path": { "type": "string", "minLength": 1 },
            "plugin": { "type": "string" },
            "auto": { "type": "boolean" }
          }
        }
      }
    },
    "permissions": {
      "type": "array",
      "items": { "type": "string" }
    },
    "scopes": {
      "type": "array",
      "items": { "type": "string" }
    }
  }
}`
