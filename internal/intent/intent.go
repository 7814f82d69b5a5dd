package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Intent is the structured action set extracted from one recording. It is
// built once per request and never mutated afterwards.
type Intent struct {
	Tasks  []TaskAction  `json:"tasks"`
	Events []EventAction `json:"events"`
	Mail   []MailAction  `json:"maillist"`
}

type TaskAction struct {
	Title  string `json:"title"`
	Notes  string `json:"notes,omitempty"`
	Due    string `json:"due,omitempty"`
	Status string `json:"status,omitempty"`
}

type EventAction struct {
	Name string `json:"event_name"`
	Date string `json:"date"`
}

type MailAction struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Size is the total number of action items across the three lists.
func (in Intent) Size() int {
	return len(in.Tasks) + len(in.Events) + len(in.Mail)
}

// schemaSource validates the shape of the model's JSON document before it is
// decoded. Field presence is deliberately not required here: an item missing a
// required field is skipped per item at dispatch time, not rejected wholesale.
const schemaSource = `{
  "type": "object",
  "properties": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "notes": {"type": "string"},
          "due": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
          "status": {"type": "string", "enum": ["needsAction", "completed"]}
        }
      }
    },
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "event_name": {"type": "string"},
          "date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
        }
      }
    },
    "maillist": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "to": {"type": "string"},
          "subject": {"type": "string"},
          "body": {"type": "string"}
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("intent.schema.json", schemaSource)

// Split separates the model's single text blob into the conversational reply
// and the candidate JSON document at the first "{". The model contract says
// prose never contains a literal brace before the JSON block; when there is no
// brace at all the whole blob is reply text.
func Split(text string) (reply, rawBlock string) {
	idx := strings.Index(text, "{")
	if idx < 0 {
		return strings.TrimSpace(text), ""
	}
	return strings.TrimSpace(text[:idx]), strings.TrimSpace(text[idx:])
}

// Parse decodes and schema-validates a candidate document. Any failure returns
// the empty Intent alongside the error so callers can degrade while keeping
// whatever reply text Split produced.
func Parse(rawBlock string) (Intent, error) {
	if rawBlock == "" {
		return Intent{}, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(rawBlock), &doc); err != nil {
		return Intent{}, fmt.Errorf("parse action block: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return Intent{}, fmt.Errorf("validate action block: %w", err)
	}
	var in Intent
	if err := json.Unmarshal([]byte(rawBlock), &in); err != nil {
		return Intent{}, fmt.Errorf("decode action block: %w", err)
	}
	return in, nil
}

// FromModelOutput runs Split then Parse. The error reports a degraded parse;
// the reply text is valid either way.
func FromModelOutput(text string) (string, Intent, error) {
	reply, rawBlock := Split(text)
	in, err := Parse(rawBlock)
	return reply, in, err
}
