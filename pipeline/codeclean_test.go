package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripProse(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		keepTests bool
		want      string
	}{
		{
			name: "fenced block",
			in:   "Here is the solution:\n```python\ndef f():\n    return 1\n```\nHope this helps!",
			want: "def f():\n    return 1",
		},
		{
			name: "bare code with chatter",
			in:   "Sure thing.\nimport os\nx = os.getcwd()\nThat is all.",
			want: "import os\nx = os.getcwd()",
		},
		{
			name: "drops tests",
			in:   "def f():\n    return 1\n\ndef test_f():\n    assert f() == 1\n\nclass G:\n    pass",
			want: "def f():\n    return 1\n\nclass G:\n    pass",
		},
		{
			name: "drops pytest decorator and body",
			in:   "@pytest.mark.parametrize('x', [1])\ndef test_x(x):\n    assert x\nY = 2",
			want: "Y = 2",
		},
		{
			name:      "keeps tests",
			in:        "from solution_expert import f\n\ndef test_f():\n    assert f() == 1",
			keepTests: true,
			want:      "from solution_expert import f\n\ndef test_f():\n    assert f() == 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripProse(tt.in, tt.keepTests))
		})
	}
}

func TestCleanCode(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "x = 1\n", CleanCode(ctx, "x = 1", false))
	assert.Equal(t, "", CleanCode(ctx, "I have nothing for you.", false))
	assert.Equal(t, StubSource, CleanCode(ctx, "def broken(:\n    return", false))
}

func TestValidPython(t *testing.T) {
	ctx := context.Background()
	assert.True(t, ValidPython(ctx, "def f(x):\n    return x * 2\n"))
	assert.True(t, ValidPython(ctx, StubSource))
	assert.False(t, ValidPython(ctx, "def f(:\n"))
	assert.False(t, ValidPython(ctx, "class :\n    pass\n"))
}

func TestMissingNames(t *testing.T) {
	ctx := context.Background()
	tests := "import pytest\nfrom solution_expert import add, Calculator as Calc, PI\nfrom other import add\n"
	source := "PI = 3.14\n\n@decorator\ndef add(a, b):\n    return a + b\n"

	assert.ElementsMatch(t, []string{"add", "Calculator", "PI"}, ImportedNames(ctx, tests, "solution_expert"))
	assert.Equal(t, []string{"Calculator"}, MissingNames(ctx, source, tests, "solution_expert"))
	assert.Empty(t, MissingNames(ctx, source+"class Calculator:\n    pass\n", tests, "solution_expert"))
}
