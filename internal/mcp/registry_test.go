package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestGenerateSchema_Types(t *testing.T) {
	type Params struct {
		Name  string            `json:"name"`
		Limit int               `json:"limit,omitempty"`
		Force bool              `json:"force,omitempty"`
		Tags  []string          `json:"tags,omitempty"`
		Attrs map[string]string `json:"attrs,omitempty"`
		Skip  string            `json:"-"`
	}
	schema := GenerateSchema[Params]()

	if schema.Type != "object" {
		t.Fatalf("schema type = %q, want object", schema.Type)
	}
	want := map[string]string{
		"name":  "string",
		"limit": "integer",
		"force": "boolean",
		"tags":  "array",
		"attrs": "object",
	}
	for name, typ := range want {
		prop, ok := schema.Properties[name]
		if !ok {
			t.Errorf("missing property %s", name)
			continue
		}
		if prop.Type != typ {
			t.Errorf("property %s type = %q, want %q", name, prop.Type, typ)
		}
	}
	if _, ok := schema.Properties["Skip"]; ok {
		t.Error("json:\"-\" field should be skipped")
	}
	if schema.Properties["tags"].Items == nil || schema.Properties["tags"].Items.Type != "string" {
		t.Error("tags items should be strings")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "name" {
		t.Errorf("required = %v, want [name]", schema.Required)
	}
}

func TestGenerateSchema_Tags(t *testing.T) {
	type Params struct {
		Action string `json:"action" enum:"a,b" description:"what to do"`
	}
	prop := GenerateSchema[Params]().Properties["action"]

	if prop.Description != "what to do" {
		t.Errorf("description = %q", prop.Description)
	}
	if len(prop.Enum) != 2 || prop.Enum[0] != "a" || prop.Enum[1] != "b" {
		t.Errorf("enum = %v, want [a b]", prop.Enum)
	}
}

func TestGenerateSchema_PointerParams(t *testing.T) {
	type Params struct {
		ID string `json:"id"`
	}
	schema := GenerateSchema[*Params]()
	if _, ok := schema.Properties["id"]; !ok {
		t.Error("pointer params should be dereferenced")
	}
}

type echoParams struct {
	Text string `json:"text"`
}

func TestRegistry_CallTool(t *testing.T) {
	r := NewRegistry()
	Register(r, ToolDef{Name: "echo", Description: "echo text"}, func(ctx context.Context, req *mcp_sdk.CallToolRequest, p *echoParams) (*mcp_sdk.CallToolResult, any, error) {
		return nil, map[string]string{"text": p.Text}, nil
	})

	if _, ok := r.GetTool("echo"); !ok {
		t.Fatal("tool not registered")
	}
	if n := len(r.GetAllTools()); n != 1 {
		t.Fatalf("GetAllTools() returned %d tools", n)
	}

	out, err := r.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("CallTool error = %v", err)
	}
	if got := out.(map[string]string)["text"]; got != "hi" {
		t.Errorf("text = %q, want hi", got)
	}
}

func TestRegistry_CallToolErrors(t *testing.T) {
	r := NewRegistry()
	Register(r, ToolDef{Name: "fail"}, func(ctx context.Context, req *mcp_sdk.CallToolRequest, p *echoParams) (*mcp_sdk.CallToolResult, any, error) {
		return NewErrorResult("nope"), nil, nil
	})

	if _, err := r.CallTool(context.Background(), "missing", nil); err == nil {
		t.Error("unknown tool should fail")
	}
	if _, err := r.CallTool(context.Background(), "fail", json.RawMessage(`{"text":1}`)); err == nil {
		t.Error("malformed arguments should fail")
	}
	_, err := r.CallTool(context.Background(), "fail", nil)
	if err == nil || err.Error() != "nope" {
		t.Errorf("error result should surface its text, got %v", err)
	}
}

func TestRegistry_CallToolWithoutArguments(t *testing.T) {
	r := NewRegistry()
	Register(r, ToolDef{Name: "echo"}, func(ctx context.Context, req *mcp_sdk.CallToolRequest, p *echoParams) (*mcp_sdk.CallToolResult, any, error) {
		if req.Params.Name != "echo" {
			t.Errorf("request tool name = %q, want echo", req.Params.Name)
		}
		return nil, p.Text, nil
	})

	out, err := r.CallTool(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("CallTool error = %v", err)
	}
	if out != "" {
		t.Errorf("out = %v, want empty text", out)
	}
}
