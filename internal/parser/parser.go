package parser

import (
	"fmt"
	"strconv"
	"strings"

	"sew/internal/fs"
	"sew/model"
)

// Directive text is a sequence of attributed blocks:
//
//	@@edit action=patch path="cmd/main.go"
//	<<<<<<< find occurrence=2
//	old lines
//	=======
//	new lines
//	>>>>>>> end
//	@@end
//
// Payload bodies are arbitrary source code, so the fence tokens are matched
// literally at the start of a line and nothing inside a payload is ever
// interpreted as markup.
const (
	directiveOpen  = "@@edit"
	directiveClose = "@@end"
	fenceFind      = "<<<<<<< find"
	fencePut       = "<<<<<<< put"
	fenceDivider   = "======="
	fenceClose     = ">>>>>>> end"
)

// Parse turns raw patch text into an ordered list of directives. Malformed
// entries are skipped and recorded; Parse never fails as a whole.
//
// If the input is a markdown document containing fenced "patch" code blocks,
// only the fenced contents are parsed.
func Parse(raw string) model.ParseResult {
	if blocks := extractPatchBlocks([]byte(raw)); len(blocks) > 0 {
		raw = strings.Join(blocks, "\n")
	}

	var result model.ParseResult
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	index := 0
	for i := 0; i < len(lines); {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, directiveOpen) {
			i++
			continue
		}
		index++
		directive, consumed, err := parseDirective(lines[i:])
		if err != nil {
			result.Errors = append(result.Errors, model.ParseError{
				Index:   index,
				Line:    i + 1,
				Message: err.Error(),
			})
			i += skipToNextEntry(lines[i:])
			continue
		}
		result.Directives = append(result.Directives, directive)
		i += consumed
	}
	return result
}

// skipToNextEntry returns how many lines to advance past a malformed entry:
// its @@end if one exists before the next @@edit, otherwise up to the next
// @@edit (or end of input).
func skipToNextEntry(lines []string) int {
	for i := 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == directiveClose {
			return i + 1
		}
		if strings.HasPrefix(trimmed, directiveOpen) {
			return i
		}
	}
	return len(lines)
}

func parseDirective(lines []string) (model.EditDirective, int, error) {
	var d model.EditDirective

	attrs, err := parseAttrs(strings.TrimPrefix(strings.TrimSpace(lines[0]), directiveOpen))
	if err != nil {
		return d, 0, err
	}

	action := model.Action(attrs["action"])
	switch action {
	case model.ActionCreate, model.ActionPatch, model.ActionReplace,
		model.ActionDelete, model.ActionMove:
	case "":
		return d, 0, fmt.Errorf("missing action attribute")
	default:
		return d, 0, fmt.Errorf("unknown action %q", attrs["action"])
	}
	d.Action = action

	d.TargetPath = attrs["path"]
	if d.TargetPath == "" {
		return d, 0, fmt.Errorf("missing path attribute")
	}
	if !fs.Contained(d.TargetPath) {
		return d, 0, fmt.Errorf("path %q escapes the workspace root", d.TargetPath)
	}

	if action == model.ActionMove {
		d.DestPath = attrs["dest"]
		if d.DestPath == "" {
			return d, 0, fmt.Errorf("move requires a dest attribute")
		}
		if !fs.Contained(d.DestPath) {
			return d, 0, fmt.Errorf("dest %q escapes the workspace root", d.DestPath)
		}
	}

	i := 1
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case trimmed == directiveClose:
			return d, i + 1, validate(d)

		case strings.HasPrefix(trimmed, directiveOpen):
			return d, 0, fmt.Errorf("unterminated directive: missing %s", directiveClose)

		case strings.HasPrefix(lines[i], fenceFind):
			hunk, consumed, err := parseHunk(lines[i:])
			if err != nil {
				return d, 0, err
			}
			d.Hunks = append(d.Hunks, hunk)
			i += consumed

		case strings.HasPrefix(lines[i], fencePut):
			body, consumed, err := parseBody(lines[i:], 1, fenceClose)
			if err != nil {
				return d, 0, err
			}
			if d.Content != "" {
				return d, 0, fmt.Errorf("multiple put payloads on a %s directive", d.Action)
			}
			d.Content = body
			i += consumed

		case trimmed == "":
			i++

		default:
			return d, 0, fmt.Errorf("unexpected content outside a payload fence: %q", trimmed)
		}
	}
	return d, 0, fmt.Errorf("unterminated directive: missing %s", directiveClose)
}

// parseHunk consumes one find/put pair:
// "<<<<<<< find [occurrence=...]" body "=======" body ">>>>>>> end".
func parseHunk(lines []string) (model.Hunk, int, error) {
	var hunk model.Hunk

	attrs, err := parseAttrs(strings.TrimPrefix(lines[0], fenceFind))
	if err != nil {
		return hunk, 0, err
	}
	hunk.Occurrence, err = parseOccurrence(attrs["occurrence"])
	if err != nil {
		return hunk, 0, err
	}

	find, consumed, err := parseBody(lines, 1, fenceDivider)
	if err != nil {
		return hunk, 0, err
	}
	hunk.Find = find

	put, putConsumed, err := parseBody(lines, consumed, fenceClose)
	if err != nil {
		return hunk, 0, err
	}
	hunk.Put = put

	return hunk, putConsumed, nil
}

// parseBody collects lines from start until a line equal to terminator,
// returning the body text and the index just past the terminator. Fence
// tokens are compared literally against the whole line so payload code that
// merely contains them is left alone.
func parseBody(lines []string, start int, terminator string) (string, int, error) {
	var body []string
	for i := start; i < len(lines); i++ {
		if lines[i] == terminator {
			if len(body) == 0 {
				return "", i + 1, nil
			}
			return strings.Join(body, "\n") + "\n", i + 1, nil
		}
		body = append(body, lines[i])
	}
	return "", 0, fmt.Errorf("unterminated payload: missing %q", terminator)
}

func parseOccurrence(value string) (model.Occurrence, error) {
	switch value {
	case "", "first":
		return model.Occurrence{Kind: model.OccurrenceFirst}, nil
	case "last":
		return model.Occurrence{Kind: model.OccurrenceLast}, nil
	case "all":
		return model.Occurrence{Kind: model.OccurrenceAll}, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return model.Occurrence{}, fmt.Errorf("invalid occurrence %q", value)
	}
	return model.Occurrence{Kind: model.OccurrenceIndex, Index: n}, nil
}

// validate enforces the per-action payload requirements once a directive has
// been fully consumed.
func validate(d model.EditDirective) error {
	switch d.Action {
	case model.ActionPatch:
		if len(d.Hunks) == 0 {
			return fmt.Errorf("patch requires at least one find/put pair")
		}
		for _, h := range d.Hunks {
			if strings.TrimSpace(h.Find) == "" {
				return fmt.Errorf("patch find block must not be empty")
			}
		}
		if d.Content != "" {
			return fmt.Errorf("patch does not take a put-only payload")
		}
	case model.ActionCreate, model.ActionReplace:
		if len(d.Hunks) > 0 {
			return fmt.Errorf("%s does not take find/put pairs", d.Action)
		}
		if d.Content == "" {
			return fmt.Errorf("%s requires a non-empty put payload", d.Action)
		}
	case model.ActionDelete, model.ActionMove:
		if len(d.Hunks) > 0 || d.Content != "" {
			return fmt.Errorf("%s does not take a payload", d.Action)
		}
	}
	return nil
}

// parseAttrs splits `key=value` pairs; values may be double-quoted to carry
// spaces. Anything else is a syntax error.
func parseAttrs(s string) (map[string]string, error) {
	attrs := make(map[string]string)
	s = strings.TrimSpace(s)
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed attribute near %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		if strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("malformed attribute near %q", s)
		}
		rest := s[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			value = rest[1 : end+1]
			rest = rest[end+2:]
		} else {
			end := strings.IndexAny(rest, " \t")
			if end < 0 {
				value, rest = rest, ""
			} else {
				value, rest = rest[:end], rest[end:]
			}
		}
		attrs[key] = value
		s = strings.TrimSpace(rest)
	}
	return attrs, nil
}
