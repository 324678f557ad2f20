// Package prompts holds the fixed prompts and the category table used to
// build vision, generation, corrective and regeneration requests.
package prompts

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// MaxFeedbackLength bounds user feedback inserted into a prompt.
const MaxFeedbackLength = 500

// System is sent on the system channel with every generation request.
const System = `You are a senior marketplace designer and copywriter. You write production-ready
technical specifications for product card designers. You are concrete: exact HEX colors,
sizes in px, mm or cm, and finished copy. You never leave placeholders.`

// VisionAnalysis asks a vision model to describe the product in the photos.
const VisionAnalysis = `Analyze the product in these photos for a marketplace listing.
Describe in detail:
1. What the product is, its type and likely use.
2. Materials, textures and build quality.
3. Exact colors, with HEX codes where possible.
4. Shape, approximate dimensions and visible details (logos, ports, seams, labels).
5. Packaging or accessories visible in the frame.
6. Strengths worth highlighting and any visible defects or photo problems.
Answer in plain prose, at least one full paragraph.`

const specTemplate = `Write a complete design specification for a marketplace product card.

Category: %s
%s
Product description from photo analysis:
"""
%s
"""

Use exactly these numbered sections as markdown headings:
## 1. Product
Product overview: name, category, key features and differentiators.
## 2. Target audience
Buyer persona, pains, and what convinces them.
## 3. Visual concept
Visual style, color palette with at least 3 HEX codes, fonts and mood.
## 4. Primary image
Main photo composition, background, angle, on-image text and badges, canvas size in px.
## 5. Supplementary graphics
Slide 2 to slide 8 infographics: content and layout of each slide.
## 6. Ready-to-use copy
Headline, subheadline, bullet benefits and the listing description, fully written.
## 7. Recommendations
Notes for the designer: what to emphasize and what to avoid.
## 8. A/B test ideas
At least two hypotheses with the variant to test.

Be specific. The specification must be at least %d characters long.`

const regenerationTemplate = `%s

The previous specification was rejected. Issues to fix:
%s

Write the whole specification again from scratch, keeping every section.`

//go:embed categories.yaml
var categoriesYAML []byte

// Category describes one marketplace category.
type Category struct {
	Name  string   `yaml:"name"`
	Focus []string `yaml:"focus"`
}

// Builder renders prompts for a category table.
type Builder struct {
	categories map[string]Category
	minLength  int
}

// NewBuilder loads the embedded category table. minLength is the target
// length stated in generation prompts.
func NewBuilder(minLength int) (*Builder, error) {
	categories, err := ParseCategories(categoriesYAML)
	if err != nil {
		return nil, err
	}
	return &Builder{categories: categories, minLength: minLength}, nil
}

// MustBuilder is NewBuilder for the embedded table, which always parses.
func MustBuilder(minLength int) *Builder {
	b, err := NewBuilder(minLength)
	if err != nil {
		panic(err)
	}
	return b
}

// ParseCategories decodes a category table.
func ParseCategories(data []byte) (map[string]Category, error) {
	categories := map[string]Category{}
	if err := yaml.Unmarshal(data, &categories); err != nil {
		return nil, fmt.Errorf("failed to parse categories: %w", err)
	}
	return categories, nil
}

// Categories returns the known category keys, sorted.
func (b *Builder) Categories() []string {
	keys := make([]string, 0, len(b.categories))
	for k := range b.categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Category returns the table entry for key. Unknown keys get their own name.
func (b *Builder) Category(key string) Category {
	if c, ok := b.categories[key]; ok {
		return c
	}
	return Category{Name: key}
}

// Spec builds the first-attempt generation prompt.
func (b *Builder) Spec(category, analysis string) string {
	c := b.Category(category)
	focus := ""
	if len(c.Focus) > 0 {
		focus = "Category focus: " + strings.Join(c.Focus, "; ") + "\n"
	}
	return fmt.Sprintf(specTemplate, c.Name, focus, strings.TrimSpace(analysis), b.minLength)
}

// Corrections describes what the previous attempt lacked.
type Corrections struct {
	MissingSections []string
	TooShort        bool
	FewColors       bool
	TooVague        bool
}

// Empty reports whether there is nothing to correct.
func (c Corrections) Empty() bool {
	return len(c.MissingSections) == 0 && !c.TooShort && !c.FewColors && !c.TooVague
}

// Corrective appends targeted fix instructions to a generation prompt.
func (b *Builder) Corrective(prompt string, c Corrections) string {
	if c.Empty() {
		return prompt
	}
	var lines []string
	if len(c.MissingSections) > 0 {
		lines = append(lines, "You MUST include these missing sections: "+strings.Join(c.MissingSections, ", ")+".")
	}
	if c.TooShort {
		lines = append(lines, fmt.Sprintf("The previous answer was too short. Write a longer, more detailed specification of at least %d characters.", b.minLength))
	}
	if c.FewColors {
		lines = append(lines, "Give concrete HEX color codes (for instance #FF5722) for every color you mention.")
	}
	if c.TooVague {
		lines = append(lines, "Remove hedging and placeholder phrases; write the final copy itself.")
	}
	return prompt + "\n\nIMPORTANT CORRECTIONS:\n- " + strings.Join(lines, "\n- ")
}

// Regeneration builds the prompt for rewriting a specification, optionally
// guided by user feedback.
func (b *Builder) Regeneration(category, analysis, feedback string) string {
	var issues []string
	if safe := SanitizeFeedback(feedback); safe != "" {
		issues = append(issues, "User feedback: "+safe)
	}
	issues = append(issues, "Improve the overall quality and completeness of the specification.")
	return fmt.Sprintf(regenerationTemplate, b.Spec(category, analysis), "- "+strings.Join(issues, "\n- "))
}

var feedbackMarkers = []string{"```", "---", "###", "SYSTEM:", "USER:", "ASSISTANT:"}

// SanitizeFeedback bounds user text and strips markers that could be read
// as prompt structure or role switches.
func SanitizeFeedback(text string) string {
	if text == "" {
		return ""
	}
	if utf8.RuneCountInString(text) > MaxFeedbackLength {
		text = string([]rune(text)[:MaxFeedbackLength])
	}
	for _, m := range feedbackMarkers {
		text = strings.ReplaceAll(text, m, "")
	}
	return strings.TrimSpace(text)
}
