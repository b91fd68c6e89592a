package statestore

// CurrentSchemaVersion is the version written by Save. Records carrying any
// other version are rejected as corrupt until a migration is defined.
const CurrentSchemaVersion = 1

const stateSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schemaVersion", "cluster"],
  "properties": {
    "schemaVersion": {"enum": [1]},
    "cluster": {
      "type": "object",
      "required": ["clusterName", "provisioningStatus"],
      "properties": {
        "clusterName": {"type": "string", "minLength": 1},
        "provisioningStatus": {"enum": ["Provisioning", "Ready", "Failed"]}
      }
    },
    "service": {
      "type": ["object", "null"],
      "required": ["serviceName", "clusterName", "endpointUrl", "primaryKey", "secondaryKey", "lastImage"],
      "properties": {
        "serviceName": {"type": "string", "minLength": 1},
        "clusterName": {"type": "string", "minLength": 1},
        "endpointUrl": {"type": "string", "minLength": 1},
        "primaryKey": {"type": "string"},
        "secondaryKey": {"type": "string"},
        "lastImage": {
          "type": "object",
          "required": ["name", "version", "location"],
          "properties": {
            "name": {"type": "string", "minLength": 1},
            "version": {"type": "integer"},
            "location": {"type": "string", "minLength": 1}
          }
        }
      }
    }
  }
}`
