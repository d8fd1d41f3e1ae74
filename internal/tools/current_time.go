package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"deepchat-go/pkg/llm"
)

// CurrentTimeName is the function name exposed to the model.
const CurrentTimeName = "getCurrentTime"

const (
	shortLayout = "15:04"
	fullLayout  = "Monday, January 2, 2006 at 15:04:05"
)

var currentTimeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {
      "type": "string",
      "description": "Timezone in IANA format (e.g., 'America/New_York', 'Asia/Shanghai')"
    },
    "format": {
      "type": "string",
      "enum": ["short", "full"],
      "description": "Time format: 'short' for HH:MM or 'full' for date and time"
    }
  }
}`)

// CurrentTime reports the current time in a timezone.
type CurrentTime struct {
	now func() time.Time
}

// NewCurrentTime creates the tool. now defaults to time.Now.
func NewCurrentTime(now func() time.Time) *CurrentTime {
	if now == nil {
		now = time.Now
	}
	return &CurrentTime{now: now}
}

type currentTimeArgs struct {
	Timezone string `json:"timezone"`
	Format   string `json:"format"`
}

// CurrentTimeResult is the JSON payload returned to the model.
type CurrentTimeResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Format   string `json:"format"`
	Error    string `json:"error,omitempty"`
}

func (t *CurrentTime) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDefinition{
			Name:        CurrentTimeName,
			Description: "Get the current time, optionally in a specific timezone and format",
			Parameters:  currentTimeSchema,
		},
	}
}

func (t *CurrentTime) Call(_ context.Context, arguments string) (string, error) {
	var args currentTimeArgs
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if args.Timezone == "" {
		args.Timezone = "UTC"
	}
	if args.Format != "short" {
		args.Format = "full"
	}

	layout := fullLayout
	if args.Format == "short" {
		layout = shortLayout
	}

	res := CurrentTimeResult{Timezone: args.Timezone, Format: args.Format}
	loc, err := time.LoadLocation(args.Timezone)
	if err != nil || args.Timezone == "Local" {
		// 无效时区回退到 UTC，并把原因告诉模型
		res.Error = fmt.Sprintf("Invalid timezone: %s. Falling back to UTC.", args.Timezone)
		res.Timezone = "UTC"
		loc = time.UTC
	}
	res.Time = t.now().In(loc).Format(layout)

	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
