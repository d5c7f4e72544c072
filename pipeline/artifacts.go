package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jxucoder/microcase/model"
)

// Artifact file names inside an attempt directory.
const (
	DescriptionFile    = "microcase.txt"
	TestsDir           = "tests"
	TestsFile          = "test_microcase.py"
	SolutionFile       = "solution_expert.py"
	FailedSolutionFile = "failed_solution_last.py"
	TutorSolutionFile  = "solution_tutor.py"
	TutorReviewFile    = "tutor_review.json"
)

// Run directory layout.
const (
	SourceDir       = "source_project"
	EmbeddedDir     = "embedded_source"
	PreprocessDir   = "preprocess"
	DedupCSV        = "code_review_deduplicated.csv"
	ReportFile      = "script_report.json"
	ConfigSnapshot  = "config_used.yml"
	studentOutDir   = "student_output"
	expertOutDir    = "expert_output"
	tutorOutDir     = "tutor_output"
	commentDirFmt   = "comment_%d"
	studentSolution = "student_%d_solution.py"
)

// CommentDir returns the directory holding all artifacts for a comment.
func CommentDir(runDir string, commentID int) string {
	return filepath.Join(runDir, fmt.Sprintf(commentDirFmt, commentID))
}

// WriteMicrocase persists a microcase's description, tests and solution into dir.
func WriteMicrocase(dir string, mc *model.Microcase) error {
	if err := os.MkdirAll(filepath.Join(dir, TestsDir), 0o755); err != nil {
		return fmt.Errorf("creating tests dir: %w", err)
	}
	files := map[string]string{
		DescriptionFile:                     mc.Description,
		filepath.Join(TestsDir, TestsFile): mc.TestSuite,
	}
	if mc.ReferenceSolution != "" {
		files[SolutionFile] = mc.ReferenceSolution
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// LoadMicrocase reads the artifacts WriteMicrocase produced.
func LoadMicrocase(dir string, commentID int) (*model.Microcase, error) {
	desc, err := os.ReadFile(filepath.Join(dir, DescriptionFile))
	if err != nil {
		return nil, fmt.Errorf("reading description: %w", err)
	}
	tests, err := os.ReadFile(filepath.Join(dir, TestsDir, TestsFile))
	if err != nil {
		return nil, fmt.Errorf("reading tests: %w", err)
	}
	mc := &model.Microcase{CommentID: commentID, Description: string(desc), TestSuite: string(tests)}
	if sol, err := os.ReadFile(filepath.Join(dir, SolutionFile)); err == nil {
		mc.ReferenceSolution = string(sol)
	}
	return mc, nil
}

func writeFile(dir, name, body string) error {
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

var commentHeader = []string{"comment_id", "file_path", "line_number", "comment", "author"}

// WriteCommentsCSV writes review comments with the standard header.
func WriteCommentsCSV(w io.Writer, comments []model.ReviewComment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(commentHeader); err != nil {
		return err
	}
	for _, c := range comments {
		row := []string{strconv.Itoa(c.ID), c.FilePath, strconv.Itoa(c.LineNumber), c.Text, c.Author}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCommentsCSV reads raw comments from a CSV with a header row. Required
// columns are file_path, line_number and comment; author is optional and
// comment_id, when present, is ignored because IDs are reassigned.
func ReadCommentsCSV(r io.Reader) ([]model.RawComment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	col := make(map[string]int)
	for i, h := range header {
		col[h] = i
	}
	for _, required := range []string{"file_path", "line_number", "comment"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	get := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var out []model.RawComment
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		n, err := strconv.Atoi(get(row, "line_number"))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad line_number: %w", line, err)
		}
		out = append(out, model.RawComment{
			FilePath:   get(row, "file_path"),
			LineNumber: n,
			Text:       get(row, "comment"),
			Author:     get(row, "author"),
		})
	}
	return out, nil
}
