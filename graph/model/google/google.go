// Package google provides ChatModel adapter for Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbathe/eyeflow/graph/model"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Provides access to Gemini models (gemini-pro, gemini-pro-vision) with:
//   - Safety filter handling
//   - Tool/function calling support
//   - Context cancellation
//   - User-friendly error messages for blocked content
//
// Example usage:
//
//	apiKey := os.Getenv("GOOGLE_API_KEY")
//	m := google.NewChatModel(apiKey, "gemini-1.5-flash")
//
//	messages := []model.Message{
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	}
//
//	out, err := m.Chat(ctx, messages, nil)
//	if err != nil {
//	    var safetyErr *SafetyFilterError
//	    if errors.As(err, &safetyErr) {
//	        log.Printf("Content blocked: %s", safetyErr.Category)
//	        return
//	    }
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Text)
type ChatModel struct {
	apiKey    string
	modelName string
	client    googleClient
}

// googleClient defines the interface for Google Gemini API operations.
// This allows for easy mocking in tests.
type googleClient interface {
	generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel creates a new Google ChatModel.
//
// Parameters:
//   - apiKey: Google API key (get from https://makersuite.google.com/app/apikey)
//   - modelName: Model to use (e.g., "gemini-1.5-flash"). Empty string uses default.
//
// Returns a ChatModel configured for Gemini API.
//
// Example:
//
//	model := google.NewChatModel(apiKey, "gemini-1.5-flash")
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash" // Gemini 2.5 Flash (latest stable as of 2025)
	}

	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements the model.ChatModel interface.
//
// Sends messages to Google's Gemini API and returns the response.
// Handles safety filter blocks with descriptive errors.
//
// Returns:
//   - ChatOut with Text and/or ToolCalls
//   - Error for authentication failures, safety blocks, or API errors
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	// Check context cancellation
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	// Call Google API
	out, err := m.client.generateContent(ctx, messages, tools)
	if err != nil {
		// Handle safety filter errors specially
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return model.ChatOut{}, handleSafetyFilterError(safetyErr)
		}
		return model.ChatOut{}, err
	}

	return out, nil
}

// handleSafetyFilterError wraps safety filter errors with user-friendly context.
//
// Google's safety filters can block content in several categories:
//   - HARM_CATEGORY_HATE_SPEECH
//   - HARM_CATEGORY_SEXUALLY_EXPLICIT
//   - HARM_CATEGORY_DANGEROUS_CONTENT
//   - HARM_CATEGORY_HARASSMENT
//
// Returns an error that can be checked with errors.As for the specific category.
func handleSafetyFilterError(err *SafetyFilterError) error {
	// Pass through with context preserved
	return err
}

// defaultClient wraps the official Google Gemini SDK client.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	// Validate API key
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("google API key is required")
	}

	// Create Google Gemini client
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			// Log error but don't override return error
			_ = closeErr
		}
	}()

	// Create generative model
	genModel := client.GenerativeModel(c.modelName)

	// Add tools if provided
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	// Convert messages to Google format
	parts := convertMessages(messages)

	// Generate content
	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google API error: %w", err)
	}

	// Convert response to our format
	return convertResponse(resp), nil
}

// convertMessages converts our Message format to Google's format.
func convertMessages(messages []model.Message) []genai.Part {
	var parts []genai.Part

	for _, msg := range messages {
		// Google Gemini uses a different approach - it combines all content into parts
		// System messages are typically set via SystemInstruction on the model
		// For now, we'll just add all messages as text parts
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}

	return parts
}

// convertTools converts our ToolSpec format to Google's format.
func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))

	for i, tool := range tools {
		// Convert schema map to genai.Schema
		// For now, we'll set Parameters to nil and handle schema conversion later
		// A full implementation would convert map[string]interface{} to *genai.Schema
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchemaToGenai(tool.Schema),
		}
	}

	return []*genai.Tool{
		{
			FunctionDeclarations: declarations,
		},
	}
}

// convertSchemaToGenai converts a JSON schema map to genai.Schema format.
// This is a simplified version - a full implementation would recursively
// convert the entire schema structure.
func convertSchemaToGenai(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	// Create a basic schema
	// In a full implementation, you'd recursively convert all fields
	result := &genai.Schema{
		Type: genai.TypeObject,
	}

	// Extract properties if present
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		properties := make(map[string]*genai.Schema)
		for key, val := range props {
			if propMap, ok := val.(map[string]interface{}); ok {
				propSchema := &genai.Schema{}
				if typeStr, ok := propMap["type"].(string); ok {
					propSchema.Type = convertTypeString(typeStr)
				}
				if desc, ok := propMap["description"].(string); ok {
					propSchema.Description = desc
				}
				properties[key] = propSchema
			}
		}
		result.Properties = properties
	}

	// Extract required fields if present
	if required, ok := schema["required"].([]string); ok {
		result.Required = required
	} else if required, ok := schema["required"].([]interface{}); ok {
		requiredStrs := make([]string, len(required))
		for i, v := range required {
			if s, ok := v.(string); ok {
				requiredStrs[i] = s
			}
		}
		result.Required = requiredStrs
	}

	return result
}

// convertResponse converts Google's response to our ChatOut format.
func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}

	if len(resp.Candidates) == 0 {
		return out
	}

	// Get the first candidate (most common case)
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return out
	}

	// Extract parts from the response
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			// Append text content
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)

		case genai.FunctionCall:
			// Extract function/tool calls
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				Name:  p.Name,
				Input: convertFunctionArgs(p.Args),
			})
		}
	}

	return out
}

// convertFunctionArgs converts Google's function arguments to our format.
func convertFunctionArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	return args
}

// convertTypeString converts a JSON Schema type string to genai.Type constant.
func convertTypeString(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

// SafetyFilterError represents a Google safety filter block.
//
// Provides information about why content was blocked:
//   - Reason: Why the block occurred (e.g., "SAFETY")
//   - Category: Which safety category was triggered
//
// Use errors.As to check for this error type:
//
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
