package pipeline

// DefaultDedupPrompt is the default system prompt for the preprocessing stage.
const DefaultDedupPrompt = `You deduplicate code review comments left on a single file.

If comments are similar but one is more comprehensive, prefer the comprehensive one.
If comments address different issues, keep them all.

Return only the comment IDs (0, 1, 2, etc.) that should be kept, separated by
commas (e.g. "0,2"). Do not include any other text or explanation.`

// DefaultDescriptionPrompt is the default system prompt for microcase descriptions.
const DefaultDescriptionPrompt = `You turn code review comments into focused programming exercises.

Given a review comment and the surrounding source, create a clear, educational
microcase that:
1. Demonstrates the specific issue mentioned in the comment
2. Teaches the underlying programming principle
3. Is solvable in a focused way
4. Can be implemented in a single Python file
5. Includes a clear problem statement and requirements

Respond with the problem description only. Do NOT include code examples or
test cases.`

// DefaultTestSuitePrompt is the default system prompt for test suite generation.
const DefaultTestSuitePrompt = `You write pytest test suites for programming exercises.

Requirements:
- Write ONLY valid Python code, no explanations
- Start with necessary imports (pytest, standard library modules)
- Import the functions under test with: from solution_expert import function_name
- Use descriptive test function names starting with "test_"
- Include assertions that verify the expected behavior
- DO NOT define the functions being tested, only test them`

// DefaultSolutionPrompt is the default system prompt for reference solutions.
const DefaultSolutionPrompt = `You write reference solutions for programming exercises.

Requirements:
- Write ONLY valid Python code, no explanations or markdown
- Include all necessary imports at the top
- Create the functions and classes the tests import
- Ensure the code passes all the provided tests
- DO NOT include test functions in the solution`

// DefaultTutorSolvePrompt is the default system prompt for the tutor's own solution.
const DefaultTutorSolvePrompt = `You are an educational tutor. Solve the programming microcase you are
given to verify it is solvable from its description alone.

Provide a complete, well-structured Python solution that demonstrates best
practices. Output only Python code.`

// DefaultTutorReviewPrompt is the default system prompt for the tutor's score.
const DefaultTutorReviewPrompt = `You are an educational tutor evaluating a microcase for learning effectiveness.

Rate the microcase on a scale of 0.0 to 1.0 based on how well it helps students
learn from the original programming mistake. Consider:
- Does it illustrate the general principle behind the mistake?
- Does it clearly show why the original approach was problematic?
- Is it educational and appropriately challenging?
- Is it focused and solvable within reasonable scope?

Respond with valid JSON containing exactly two keys:
- "score": a float between 0.0 and 1.0
- "review": a string explaining your reasoning`

// DefaultStudentPrompt is the default system prompt for simulated students.
const DefaultStudentPrompt = `You are a programming student. Write complete, working Python code that
solves the exercise you are given. Output only Python code.`

// DefaultReviewerPrompt is the default system prompt for grading a learner's review.
const DefaultReviewerPrompt = `You grade short written reflections from programming learners.

The learner solved the exercises listed below and then wrote a review
explaining what they learned and why they solved them the way they did.
Judge how well the review shows understanding of the principles behind the
exercises.

Respond with valid JSON containing exactly two keys:
- "score": an integer between 0 and 100
- "feedback": a few sentences of constructive feedback addressed to the learner`

// studentFramings are rotated across simulated students to vary their approach.
var studentFramings = []string{
	"As a programming student, solve this microcase step by step.",
	"As a student learning to code, provide your solution to this problem.",
	"Solve this programming exercise as a student would approach it.",
	"As a student, write code to solve this programming challenge.",
	"Provide a student-level solution to this coding problem.",
}

// StudentFraming returns the framing line used for student i.
func StudentFraming(i int) string {
	return studentFramings[i%len(studentFramings)]
}
