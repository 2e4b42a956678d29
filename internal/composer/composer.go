// Package composer renders the chat prompt from its context blocks: persona,
// personalization, retrieved materials, bounded history, and the user
// message. Block order is fixed; blocks without content are elided; the user
// message is never modified.
package composer

import (
	"fmt"
	"strings"

	"studymate/internal/logging"
	"studymate/internal/search"
	"studymate/internal/types"
)

// Input carries the gathered context for one turn. Any field except Message
// may be zero; absent blocks are simply omitted.
type Input struct {
	SystemDirective string
	Profile         *types.AcademicProfile
	Preferences     *types.Preferences
	Materials       []search.Result // ranked, similarity descending
	History         []types.ChatTurn
	Message         string
}

// ShouldRetrieve applies the retrieval gate: no course means no retrieval,
// and queries shorter than minQueryLen are noise not worth embedding.
func ShouldRetrieve(message, courseID string, minQueryLen int) bool {
	if courseID == "" {
		return false
	}
	return len(strings.TrimSpace(message)) >= minQueryLen
}

// Compose renders the prompt within the character budget. When over budget
// it trims, in order: oldest history turns, lowest-scoring excerpts, then
// the tail of the last remaining excerpt. A message that cannot fit even
// alone fails with PromptTooLarge.
func Compose(in Input, budget int) (string, error) {
	history := in.History
	materials := in.Materials

	assemble := func() string {
		blocks := make([]string, 0, 5)
		if b := strings.TrimSpace(in.SystemDirective); b != "" {
			blocks = append(blocks, b)
		}
		if b := renderProfile(in.Profile, in.Preferences); b != "" {
			blocks = append(blocks, b)
		}
		if b := renderMaterials(materials); b != "" {
			blocks = append(blocks, b)
		}
		if b := renderHistory(history); b != "" {
			blocks = append(blocks, b)
		}
		blocks = append(blocks, in.Message)
		return strings.Join(blocks, "\n\n")
	}

	prompt := assemble()
	if runeLen(prompt) <= budget {
		return prompt, nil
	}

	log := logging.Get(logging.CategoryComposer)
	log.Warnw("prompt over budget, trimming",
		"length", runeLen(prompt), "budget", budget,
		"history_turns", len(history), "excerpts", len(materials))

	for runeLen(prompt) > budget && len(history) > 0 {
		history = history[1:]
		prompt = assemble()
	}
	for runeLen(prompt) > budget && len(materials) > 1 {
		materials = materials[:len(materials)-1]
		prompt = assemble()
	}
	if runeLen(prompt) > budget && len(materials) == 1 {
		over := runeLen(prompt) - budget
		excerpt := []rune(materials[0].Excerpt)
		if over >= len(excerpt) {
			materials = nil
		} else {
			trimmed := materials[0]
			trimmed.Excerpt = string(excerpt[:len(excerpt)-over])
			materials = []search.Result{trimmed}
		}
		prompt = assemble()
	}

	if runeLen(prompt) > budget {
		return "", types.E(types.KindPromptTooLarge,
			fmt.Sprintf("prompt of %d characters exceeds the budget of %d after trimming", runeLen(prompt), budget))
	}
	return prompt, nil
}

// renderProfile renders academic profile and preferences as one block.
// Missing fields are elided silently.
func renderProfile(profile *types.AcademicProfile, prefs *types.Preferences) string {
	var lines []string
	if profile != nil {
		if len(profile.Grades) > 0 {
			lines = append(lines, "- Grades: "+strings.Join(profile.Grades, ", "))
		}
		if profile.SemesterType != "" || profile.SemesterNumber > 0 {
			semester := strings.TrimSpace(fmt.Sprintf("%s %d", profile.SemesterType, profile.SemesterNumber))
			lines = append(lines, "- Semester: "+semester)
		}
		if len(profile.Subjects) > 0 {
			lines = append(lines, "- Subjects: "+strings.Join(profile.Subjects, ", "))
		}
	}
	if prefs != nil {
		if prefs.DetailLevel != "" {
			lines = append(lines, "- Preferred detail level: "+prefs.DetailLevel)
		}
		if prefs.LearningPace != "" {
			lines = append(lines, "- Learning pace: "+prefs.LearningPace)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Student profile:\n" + strings.Join(lines, "\n")
}

// renderMaterials renders the retrieved excerpts with a stable identifier
// per excerpt: the material name and the rounded similarity.
func renderMaterials(results []search.Result) string {
	if len(results) == 0 {
		return ""
	}
	parts := make([]string, 0, len(results)+1)
	parts = append(parts, "Relevant course materials:")
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("[%s] (similarity %.2f)\n%s", r.Name, r.Similarity, r.Excerpt))
	}
	return strings.Join(parts, "\n")
}

// renderHistory renders turns in chronological order.
func renderHistory(turns []types.ChatTurn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns)+1)
	lines = append(lines, "Conversation so far:")
	for _, turn := range turns {
		speaker := "Student"
		if turn.Role == types.RoleModel {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}

func runeLen(s string) int { return len([]rune(s)) }
