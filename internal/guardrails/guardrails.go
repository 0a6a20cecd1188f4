// Package guardrails screens user queries before a turn reaches the LLM.
//
// Supported rule kinds:
//   - content_filter: keyword/phrase blocklist
//   - pii_detection: regex-based PII detection (emails, phone numbers, SSN, etc.)
//   - topic_restriction: allowed/blocked topic keywords
//   - max_length: character/word length limits
//   - regex_filter: custom regex pattern matching
//   - prompt_injection: heuristic prompt injection detection
package guardrails

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Kind identifies the type of guardrail check.
type Kind string

const (
	ContentFilter    Kind = "content_filter"
	PIIDetection     Kind = "pii_detection"
	TopicRestriction Kind = "topic_restriction"
	MaxLength        Kind = "max_length"
	RegexFilter      Kind = "regex_filter"
	PromptInjection  Kind = "prompt_injection"
)

// Rule is one configured check.
type Rule struct {
	Name     string                 `json:"name,omitempty" yaml:"name"`
	Kind     Kind                   `json:"kind" yaml:"kind"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config"`
	Disabled bool                   `json:"disabled,omitempty" yaml:"disabled"`
}

// Result is the outcome of a single rule.
type Result struct {
	Passed  bool   `json:"passed"`
	Kind    Kind   `json:"kind"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message,omitempty"` // explanation when blocked
}

// Evaluation is the aggregate result of all rules for one query.
type Evaluation struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// Reason returns the message of the first failed rule.
func (e Evaluation) Reason() string {
	for _, r := range e.Results {
		if !r.Passed {
			return r.Message
		}
	}
	return ""
}

// Guard evaluates a fixed rule set. It is safe for concurrent use.
type Guard struct {
	rules   []Rule
	regexes map[int]*regexp.Regexp // rule index → compiled regex_filter pattern
}

// DefaultRules bounds query length and rejects obvious prompt injection.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "query-length", Kind: MaxLength, Config: map[string]interface{}{"max_characters": 4000}},
		{Name: "prompt-injection", Kind: PromptInjection, Config: map[string]interface{}{"sensitivity": "medium"}},
	}
}

// New compiles rules. Invalid regex_filter patterns are rejected here
// instead of passing silently at evaluation time.
func New(rules []Rule) (*Guard, error) {
	g := &Guard{rules: rules, regexes: make(map[int]*regexp.Regexp)}
	for i, r := range rules {
		if r.Kind != RegexFilter || r.Disabled {
			continue
		}
		pattern, _ := r.Config["pattern"].(string)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("guardrail %q: invalid pattern: %w", r.Name, err)
		}
		g.regexes[i] = re
	}
	return g, nil
}

// LoadFile reads a YAML list of rules, each with name, kind, config and
// an optional disabled flag.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guardrails: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse guardrails %s: %w", path, err)
	}
	return rules, nil
}

// Check runs every enabled rule against text.
func (g *Guard) Check(text string) Evaluation {
	eval := Evaluation{Passed: true, Results: make([]Result, 0, len(g.rules))}
	for i, r := range g.rules {
		if r.Disabled {
			continue
		}
		res := g.evaluateOne(i, r, text)
		res.Kind, res.Rule = r.Kind, r.Name
		eval.Results = append(eval.Results, res)
		if !res.Passed {
			eval.Passed = false
		}
	}
	return eval
}

func (g *Guard) evaluateOne(i int, r Rule, text string) Result {
	switch r.Kind {
	case ContentFilter:
		return evalContentFilter(r, text)
	case PIIDetection:
		return evalPIIDetection(r, text)
	case TopicRestriction:
		return evalTopicRestriction(r, text)
	case MaxLength:
		return evalMaxLength(r, text)
	case RegexFilter:
		return evalRegexFilter(g.regexes[i], r, text)
	case PromptInjection:
		return evalPromptInjection(r, text)
	default:
		return Result{Passed: true, Message: "unknown guardrail kind"}
	}
}

var pass = Result{Passed: true}

func block(msg string) Result { return Result{Passed: false, Message: msg} }

// ── Content Filter ──────────────────────────────────────────
// Config: { "blocked_words": ["word1", "word2"], "case_sensitive": false }

func evalContentFilter(r Rule, text string) Result {
	caseSensitive, _ := r.Config["case_sensitive"].(bool)

	checkText := text
	if !caseSensitive {
		checkText = strings.ToLower(text)
	}
	for _, word := range stringList(r.Config["blocked_words"]) {
		if !caseSensitive {
			word = strings.ToLower(word)
		}
		if word != "" && strings.Contains(checkText, word) {
			return block("Blocked content detected: contains prohibited word/phrase")
		}
	}
	return pass
}

// ── PII Detection ───────────────────────────────────────────
// Config: { "patterns": ["email", "phone", "ssn", "credit_card"] }
// If "patterns" is empty, all built-in patterns are checked.

var builtInPIIPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
}

// piiOrder keeps the default check order stable.
var piiOrder = []string{"email", "ssn", "credit_card", "phone"}

func evalPIIDetection(r Rule, text string) Result {
	names := stringList(r.Config["patterns"])
	if len(names) == 0 {
		names = piiOrder
	}
	for _, name := range names {
		re, ok := builtInPIIPatterns[name]
		if !ok {
			continue
		}
		if re.MatchString(text) {
			return block("PII detected: " + name + " pattern matched")
		}
	}
	return pass
}

// ── Topic Restriction ───────────────────────────────────────
// Config: { "allowed_topics": [...], "blocked_topics": [...] }
// If allowed_topics is set, text must contain at least one of them.
// blocked_topics always blocks.

func evalTopicRestriction(r Rule, text string) Result {
	lower := strings.ToLower(text)

	for _, topic := range stringList(r.Config["blocked_topics"]) {
		if strings.Contains(lower, strings.ToLower(topic)) {
			return block("Blocked topic detected: " + topic)
		}
	}

	allowed := stringList(r.Config["allowed_topics"])
	if len(allowed) == 0 {
		return pass
	}
	for _, topic := range allowed {
		if strings.Contains(lower, strings.ToLower(topic)) {
			return pass
		}
	}
	return block("Message does not match any allowed topic")
}

// ── Max Length ───────────────────────────────────────────────
// Config: { "max_characters": 5000, "max_words": 1000 }

func evalMaxLength(r Rule, text string) Result {
	if maxChars, ok := intConfig(r.Config, "max_characters"); ok && maxChars > 0 {
		if utf8.RuneCountInString(text) > maxChars {
			return block("Message exceeds maximum character limit")
		}
	}
	if maxWords, ok := intConfig(r.Config, "max_words"); ok && maxWords > 0 {
		if len(strings.Fields(text)) > maxWords {
			return block("Message exceeds maximum word limit")
		}
	}
	return pass
}

// ── Regex Filter ────────────────────────────────────────────
// Config: { "pattern": "regex_string", "block_on_match": true }

func evalRegexFilter(re *regexp.Regexp, r Rule, text string) Result {
	if re == nil {
		return pass
	}
	blockOnMatch := true
	if b, ok := r.Config["block_on_match"].(bool); ok {
		blockOnMatch = b
	}

	matched := re.MatchString(text)
	switch {
	case matched && blockOnMatch:
		return block("Content matched blocked regex pattern")
	case !matched && !blockOnMatch:
		return block("Content did not match required regex pattern")
	}
	return pass
}

// ── Prompt Injection Detection ──────────────────────────────
// Config: { "sensitivity": "high" | "medium" }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

func evalPromptInjection(r Rule, text string) Result {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return block("Potential prompt injection detected")
		}
	}
	if sensitivity, _ := r.Config["sensitivity"].(string); sensitivity == "high" {
		for _, re := range highSensitivityPatterns {
			if re.MatchString(text) {
				return block("Potential prompt injection detected (high sensitivity)")
			}
		}
	}
	return pass
}

// ── Helpers ─────────────────────────────────────────────────

// intConfig extracts an integer from a config map (float64 from JSON, int from YAML).
func intConfig(config map[string]interface{}, key string) (int, bool) {
	switch n := config[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
