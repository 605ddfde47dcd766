package outbox

const eventPublishedSchema = `{
  "type": "object",
  "title": "EventPublished",
  "properties": {
    "health_code": {"type": "string"},
    "event_id": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"}
  },
  "required": ["health_code", "event_id", "timestamp"],
  "additionalProperties": false
}`

const activityStateChangedSchema = `{
  "type": "object",
  "title": "ActivityStateChanged",
  "properties": {
    "guid": {"type": "string"},
    "health_code": {"type": "string"},
    "plan_guid": {"type": "string"},
    "state": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["guid", "health_code", "plan_guid", "state", "occurred_at"],
  "additionalProperties": false
}`
