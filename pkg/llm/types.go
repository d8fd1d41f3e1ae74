package llm

import "encoding/json"

// Message 表示一条角色消息（OpenAI chat 格式）
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"-"`
	ImageURL   string     `json:"-"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type contentPart struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	ImageURL *imagePart `json:"image_url,omitempty"`
}

type imagePart struct {
	URL string `json:"url"`
}

// MarshalJSON 带图片的消息使用多段 content，其余使用字符串 content。
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	var content interface{} = m.Content
	if m.ImageURL != "" {
		parts := make([]contentPart, 0, 2)
		if m.Content != "" {
			parts = append(parts, contentPart{Type: "text", Text: m.Content})
		}
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imagePart{URL: m.ImageURL}})
		content = parts
	}
	return json.Marshal(struct {
		alias
		Content interface{} `json:"content"`
	}{alias: alias(m), Content: content})
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool in the request.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the JSON-schema description of a tool.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}
