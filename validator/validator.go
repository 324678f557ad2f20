// Package validator scores generated listing specifications with cheap
// structural heuristics: required sections, length, concrete colors and
// measurements, and hedging phrases.
package validator

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Score bands. Sections, length, concreteness and vagueness add up to 100.
const (
	sectionPoints     = 50.0
	lengthPerRatio    = 16.7
	lengthRatioCap    = 1.5
	lengthPoints      = 25.0
	concretePoints    = 15.0
	vaguenessPoints   = 10.0
	vaguePenaltyPoint = 2.0
)

var (
	hexColorRe    = regexp.MustCompile(`#[0-9A-Fa-f]{6}`)
	measurementRe = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s?(?:px|mm|cm|kg|ml|мм|см|кг|мл)(?:\P{L}|$)`)
)

// Section is one required structural topic.
type Section struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultSections are the eight topics of a marketplace card specification.
func DefaultSections() []Section {
	return []Section{
		{"product", regexp.MustCompile(`(?m)^\s*#{1,3}\s*(?:\d+\.?\s*)?(?:product|товар)|product\s+(?:overview|description|summary|category)|категория\s+товара`)},
		{"target audience", regexp.MustCompile(`target\s+audience|buyer\s+persona|целевая\s+аудитория|для\s+кого`)},
		{"visual concept", regexp.MustCompile(`visual\s+(?:concept|style)|design\s+concept|визуальн|стиль\s+оформления`)},
		{"primary image", regexp.MustCompile(`primary\s+image|main\s+(?:image|photo)|hero\s+(?:image|shot)|cover\s+slide|главное\s+фото|обложка`)},
		{"supplementary graphics", regexp.MustCompile(`supplementary\s+graphics|infographic|slides?\s*[2-9]|инфографик|слайд\s*[2-9]`)},
		{"ready-to-use copy", regexp.MustCompile(`ready[-\s]to[-\s]use\s+copy|ready\s+copy|headline|готовые\s+тексты|заголов`)},
		{"recommendations", regexp.MustCompile(`recommendation|designer\s+notes|notes\s+for\s+the\s+designer|рекомендаци|дизайнеру`)},
		{"a/b test ideas", regexp.MustCompile(`a/b|split[-\s]test|эксперимент`)},
	}
}

// DefaultVaguePhrases are hedging phrases that signal template output.
func DefaultVaguePhrases() []string {
	return []string{
		"could use",
		"for example",
		"at your discretion",
		"as desired",
		"insert text here",
		"write here",
		"[your text]",
		"напишите здесь",
		"можно добавить",
		"на ваше усмотрение",
		"по желанию",
		"вставить текст",
		"[ваш текст]",
	}
}

// Config holds the validity gate and the detectors. Every threshold is tunable.
type Config struct {
	Sections        []Section
	VaguePhrases    []string
	MinLength       int     // characters
	MaxMissing      int     // sections that may be absent in a valid text
	LengthTolerance float64 // fraction of MinLength a valid text must reach
	MinScore        int
	MinHexColors    int // fewer triggers a warning
	MaxVaguePhrases int // more triggers a warning

	HexWeight         float64 // concreteness points per hex color
	MeasurementWeight float64 // concreteness points per measurement
}

// DefaultConfig is the reference deployment.
func DefaultConfig() Config {
	return Config{
		Sections:          DefaultSections(),
		VaguePhrases:      DefaultVaguePhrases(),
		MinLength:         2000,
		MaxMissing:        1,
		LengthTolerance:   0.8,
		MinScore:          60,
		MinHexColors:      2,
		MaxVaguePhrases:   3,
		HexWeight:         3,
		MeasurementWeight: 1,
	}
}

// Result is the verdict on one candidate text.
type Result struct {
	IsValid         bool     `json:"is_valid"`
	Score           int      `json:"score"`
	FoundSections   []string `json:"found_sections"`
	MissingSections []string `json:"missing_sections"`
	Warnings        []string `json:"warnings"`

	Length       int `json:"length"`
	HexColors    int `json:"hex_colors"`
	Measurements int `json:"measurements"`
	VaguePhrases int `json:"vague_phrases"`
}

// Validator is safe for concurrent use.
type Validator struct {
	cfg Config
}

// New builds a validator; zero-valued fields fall back to DefaultConfig.
func New(cfg Config) *Validator {
	def := DefaultConfig()
	if len(cfg.Sections) == 0 {
		cfg.Sections = def.Sections
	}
	if cfg.VaguePhrases == nil {
		cfg.VaguePhrases = def.VaguePhrases
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.LengthTolerance <= 0 {
		cfg.LengthTolerance = def.LengthTolerance
	}
	if cfg.HexWeight == 0 && cfg.MeasurementWeight == 0 {
		cfg.HexWeight = def.HexWeight
		cfg.MeasurementWeight = def.MeasurementWeight
	}
	return &Validator{cfg: cfg}
}

// MinLength is the configured minimum character count.
func (v *Validator) MinLength() int { return v.cfg.MinLength }

// Config returns the effective configuration.
func (v *Validator) Config() Config { return v.cfg }

// SectionNames lists the required sections in order.
func (v *Validator) SectionNames() []string {
	names := make([]string, len(v.cfg.Sections))
	for i, s := range v.cfg.Sections {
		names[i] = s.Name
	}
	return names
}

// HexColors returns the distinct hex colors of text in order of first
// appearance, upper-cased.
func HexColors(text string) []string {
	seen := map[string]bool{}
	colors := []string{}
	for _, m := range findHexColors(text) {
		c := strings.ToUpper(m)
		if !seen[c] {
			seen[c] = true
			colors = append(colors, c)
		}
	}
	return colors
}

// findHexColors returns every #RRGGBB that is not followed by another
// letter, digit or underscore in any script.
func findHexColors(text string) []string {
	var out []string
	for _, loc := range hexColorRe.FindAllStringIndex(text, -1) {
		if r, _ := utf8.DecodeRuneInString(text[loc[1]:]); r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		out = append(out, text[loc[0]:loc[1]])
	}
	return out
}

// Validate scores text. The same text always yields the same result.
func (v *Validator) Validate(text string) Result {
	lower := strings.ToLower(text)
	res := Result{
		FoundSections:   []string{},
		MissingSections: []string{},
		Warnings:        []string{},
		Length:          utf8.RuneCountInString(text),
		HexColors:       len(findHexColors(text)),
		Measurements:    len(measurementRe.FindAllStringIndex(lower, -1)),
	}

	for _, s := range v.cfg.Sections {
		if s.Pattern.MatchString(lower) {
			res.FoundSections = append(res.FoundSections, s.Name)
		} else {
			res.MissingSections = append(res.MissingSections, s.Name)
		}
	}

	for _, phrase := range v.cfg.VaguePhrases {
		res.VaguePhrases += strings.Count(lower, strings.ToLower(phrase))
	}

	if res.Length < v.cfg.MinLength {
		res.Warnings = append(res.Warnings, fmt.Sprintf("text too short: %d < %d characters", res.Length, v.cfg.MinLength))
	}
	if res.HexColors < v.cfg.MinHexColors {
		res.Warnings = append(res.Warnings, fmt.Sprintf("too few concrete colors: %d hex codes, need at least %d", res.HexColors, v.cfg.MinHexColors))
	}
	if res.VaguePhrases > v.cfg.MaxVaguePhrases {
		res.Warnings = append(res.Warnings, fmt.Sprintf("too many vague phrases: %d", res.VaguePhrases))
	}

	res.Score = v.score(res)
	res.IsValid = len(res.MissingSections) <= v.cfg.MaxMissing &&
		float64(res.Length) >= float64(v.cfg.MinLength)*v.cfg.LengthTolerance &&
		res.Score >= v.cfg.MinScore

	return res
}

func (v *Validator) score(res Result) int {
	sections := 0.0
	if total := len(v.cfg.Sections); total > 0 {
		sections = float64(len(res.FoundSections)) / float64(total) * sectionPoints
	}

	ratio := math.Min(float64(res.Length)/float64(v.cfg.MinLength), lengthRatioCap)
	length := math.Min(ratio*lengthPerRatio, lengthPoints)

	concrete := math.Min(float64(res.HexColors)*v.cfg.HexWeight+float64(res.Measurements)*v.cfg.MeasurementWeight, concretePoints)

	vague := vaguenessPoints - math.Min(float64(res.VaguePhrases)*vaguePenaltyPoint, vaguenessPoints)

	total := int(sections + length + concrete + vague)
	if total < 0 {
		return 0
	}
	if total > 100 {
		return 100
	}
	return total
}
