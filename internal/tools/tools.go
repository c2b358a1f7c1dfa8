// Package tools declares the functions the live model may call and the
// rules for calls that arrive incomplete.
package tools

import (
	"strings"

	"google.golang.org/genai"
)

const (
	AddToDiary          = "addToDiary"
	NavigateTo          = "navigateTo"
	GenerateImage       = "generateImage"
	AnalyzeFoodCalories = "analyzeFoodCalories"
)

// Pages the assistant can navigate to.
var Pages = []string{"home", "diary", "shopping", "plants", "recipes", "gallery", "settings"}

// Declarations returns the tool schema sent when a session opens.
func Declarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        AddToDiary,
			Description: "Add an entry to the user's personal diary.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"entry": {Type: genai.TypeString, Description: "The text to note down, in the user's words."},
					"mood":  {Type: genai.TypeString, Description: "Optional mood tag for the entry."},
				},
			},
		},
		{
			Name:        NavigateTo,
			Description: "Open a page of the app.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"page": {Type: genai.TypeString, Enum: Pages},
				},
				Required: []string{"page"},
			},
		},
		{
			Name:        GenerateImage,
			Description: "Draw a picture from a description.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"prompt": {Type: genai.TypeString, Description: "What the picture should show."},
				},
				Required: []string{"prompt"},
			},
		},
		{
			Name:        AnalyzeFoodCalories,
			Description: "Estimate the calories of a food or meal.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"food": {Type: genai.TypeString, Description: "The food or meal, with portion if known."},
				},
				Required: []string{"food"},
			},
		},
	}
}

// Clarification describes a follow-up question for a call missing an
// argument the tool cannot run without.
type Clarification struct {
	Arg      string
	Question string
}

var clarifications = map[string]Clarification{
	AddToDiary: {Arg: "entry", Question: "What would you like to note down?"},
}

// NeedsClarification reports whether a call must be completed by asking the
// user. New rules are added to the clarifications table.
func NeedsClarification(name string, args map[string]any) (Clarification, bool) {
	c, ok := clarifications[name]
	if !ok {
		return Clarification{}, false
	}
	if v, ok := args[c.Arg].(string); ok && strings.TrimSpace(v) != "" {
		return Clarification{}, false
	}
	return c, true
}

// MergeAnswer returns a copy of args with arg set to answer.
func MergeAnswer(args map[string]any, arg, answer string) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[arg] = answer
	return out
}

// StringArg reads a string argument, trimmed.
func StringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}
