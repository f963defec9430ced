package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractReferences(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   []string
	}{
		{"ordered and distinct", "Name: {$name}, Age: {$age}, again {$name}", []string{"name", "age"}},
		{"ignores plain placeholders", "Choices: {choices} Text: {$text}", []string{"text"}},
		{"no references", "plain text {choices}", nil},
		{"empty prompt", "", nil},
		{"underscores and digits", "{$input_data} {$field2}", []string{"input_data", "field2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractReferences(tt.prompt))
		})
	}
}

func TestExtractParams(t *testing.T) {
	assert.Equal(t, []string{"choices", "text"}, ExtractParams("{choices} {$name} {text} {choices}"))
	assert.Nil(t, ExtractParams(`{"json": true}`))
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		values map[string]interface{}
		want   string
	}{
		{
			name:   "all present",
			prompt: "Name: {$name}, Age: {$age}",
			values: map[string]interface{}{"name": "John", "age": 30},
			want:   "Name: John, Age: 30",
		},
		{
			name:   "missing becomes empty",
			prompt: "Name: {$name}, City: {$city}",
			values: map[string]interface{}{"name": "John"},
			want:   "Name: John, City: ",
		},
		{
			name:   "nil becomes empty",
			prompt: "City: {$city}",
			values: map[string]interface{}{"city": nil},
			want:   "City: ",
		},
		{
			name:   "plain placeholders untouched",
			prompt: "Pick from {choices}: {$text}",
			values: map[string]interface{}{"text": "hello", "choices": "x"},
			want:   "Pick from {choices}: hello",
		},
		{
			name:   "not recursive",
			prompt: "A: {$a}",
			values: map[string]interface{}{"a": "{$b}", "b": "boom"},
			want:   "A: {$b}",
		},
		{
			name:   "floats render without exponent",
			prompt: "{$price}",
			values: map[string]interface{}{"price": 1234.5},
			want:   "1234.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.prompt, tt.values))
		})
	}
}

func TestRender_SinglePassAcrossNamespaces(t *testing.T) {
	fields := map[string]interface{}{"title": "{choices}"}
	params := map[string]interface{}{"choices": []string{"a", "b"}, "text": "{$title}"}

	got := Render("T={$title} C={choices} X={text} U={unknown}", fields, params)
	assert.Equal(t, "T={choices} C=a, b X={$title} U={unknown}", got)
}

func TestMissingFields(t *testing.T) {
	prompt := "Name: {$name}, Age: {$age}"
	assert.Empty(t, MissingFields(prompt, map[string]interface{}{"name": "J", "age": 1}))
	assert.Equal(t, []string{"age"}, MissingFields(prompt, map[string]interface{}{"name": "J"}))
}

func TestHasReferences(t *testing.T) {
	assert.True(t, HasReferences("Name: {$name}"))
	assert.False(t, HasReferences("Name: {name}"))
}

func TestResolveMap(t *testing.T) {
	data := map[string]interface{}{"prompt": "Name: {$name}", "title": "User: {$user}", "n": 3}
	values := map[string]interface{}{"name": "John", "user": "john123"}

	all := ResolveMap(data, values)
	assert.Equal(t, "Name: John", all["prompt"])
	assert.Equal(t, "User: john123", all["title"])
	assert.Equal(t, 3, all["n"])

	only := ResolveMap(data, values, "prompt")
	assert.Equal(t, "Name: John", only["prompt"])
	assert.Equal(t, "User: {$user}", only["title"])
}

func TestFieldContext(t *testing.T) {
	got := FieldContext(map[string]interface{}{"name": "John", "age": 30, "city": "NYC"})
	assert.Equal(t, "age: 30\ncity: NYC\nname: John", got)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "tech, sports", Stringify([]interface{}{"tech", "sports"}))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]interface{}{"a": 1}))
	assert.Equal(t, `[{"a":1}]`, Stringify([]interface{}{map[string]interface{}{"a": 1}}))
	assert.Equal(t, "true", Stringify(true))
}
