package pipeline

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// StubSource replaces generated code that does not parse.
const StubSource = "# Empty implementation\npass\n"

var codePrefixes = []string{
	"import ", "from ", "def ", "class ", "if ", "elif ", "else:", "for ", "while ",
	"try:", "except", "finally:", "with ", "@", "async ", "return ", "raise ", "assert ",
}

var statementMarkers = []string{"=", "return ", "assert ", "print(", "raise "}

// StripProse keeps only lines that look like Python from an LLM response.
// Markdown fences are dropped and their contents kept verbatim. When
// keepTests is false, test_ functions and pytest decorators are removed.
func StripProse(text string, keepTests bool) string {
	var out []string
	inFence := false
	skipping := false

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		trimmed := strings.TrimSpace(line)
		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}

		if !keepTests {
			if strings.HasPrefix(trimmed, "def test_") || strings.HasPrefix(trimmed, "@pytest") {
				skipping = true
				continue
			}
			if skipping && (indented || trimmed == "") {
				continue
			}
			skipping = false
		}

		switch {
		case inFence, trimmed == "", indented, hasAnyPrefix(trimmed, codePrefixes):
			out = append(out, line)
		case strings.HasPrefix(trimmed, "#"):
			out = append(out, line)
		case containsAny(line, statementMarkers):
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// CleanCode strips prose and checks the result parses as Python. Code that
// does not parse is replaced by StubSource. Empty input stays empty.
func CleanCode(ctx context.Context, text string, keepTests bool) string {
	cleaned := StripProse(text, keepTests)
	if cleaned == "" {
		return ""
	}
	if !ValidPython(ctx, cleaned) {
		return StubSource
	}
	return cleaned + "\n"
}

// ValidPython reports whether src parses without syntax errors.
func ValidPython(ctx context.Context, src string) bool {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, []byte(src))
	if err != nil {
		return false
	}
	defer tree.Close()
	return !tree.RootNode().HasError()
}

// ImportedNames returns the names a test suite imports from the solution module.
func ImportedNames(ctx context.Context, tests, module string) []string {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	src := []byte(tests)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil
	}
	defer tree.Close()

	var names []string
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() != "import_from_statement" {
			continue
		}
		mod := n.ChildByFieldName("module_name")
		if mod == nil || mod.Content(src) != module {
			continue
		}
		for j := 0; j < int(n.NamedChildCount()); j++ {
			c := n.NamedChild(j)
			if c.StartByte() == mod.StartByte() {
				continue
			}
			switch c.Type() {
			case "dotted_name":
				names = append(names, c.Content(src))
			case "aliased_import":
				if nm := c.ChildByFieldName("name"); nm != nil {
					names = append(names, nm.Content(src))
				}
			}
		}
	}
	return names
}

// DefinedNames returns the top-level functions, classes and assigned names of src.
func DefinedNames(ctx context.Context, source string) map[string]bool {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	src := []byte(source)
	names := make(map[string]bool)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return names
	}
	defer tree.Close()

	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() == "decorated_definition" {
			n = n.ChildByFieldName("definition")
			if n == nil {
				continue
			}
		}
		switch n.Type() {
		case "function_definition", "class_definition":
			if nm := n.ChildByFieldName("name"); nm != nil {
				names[nm.Content(src)] = true
			}
		case "expression_statement":
			if a := n.NamedChild(0); a != nil && a.Type() == "assignment" {
				if left := a.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
					names[left.Content(src)] = true
				}
			}
		}
	}
	return names
}

// MissingNames returns the names tests import from module that source does not define.
func MissingNames(ctx context.Context, source, tests, module string) []string {
	defined := DefinedNames(ctx, source)
	var missing []string
	for _, name := range ImportedNames(ctx, tests, module) {
		if !defined[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
