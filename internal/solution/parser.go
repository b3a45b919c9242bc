// Package solution extracts the best-solution metrics from the optimizer's
// exported XML.
package solution

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"optiplan-pipeline/internal/models"
)

// Parse reads the solution XML at path and returns the metrics of the best
// solution. Any structural problem is reported as E_XML_INVALID.
func Parse(path string) (models.SolutionSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.SolutionSummary{}, fmt.Errorf("open solution xml: %w", err)
	}
	defer f.Close()
	return ParseReader(f)
}

// ParseReader parses solution XML from r. The document must be well-formed
// and its root must contain at least one child element. A <Solution> with
// best="1" wins; without one the first solution is used.
func ParseReader(r io.Reader) (models.SolutionSummary, error) {
	dec := xml.NewDecoder(r)

	var depth int
	var rootSeen, childSeen bool
	var solutions []map[string]string
	bestIndex := -1
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return models.SolutionSummary{}, models.NewError(models.ErrXMLInvalid, "malformed solution xml: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				rootSeen = true
			}
			if depth == 2 {
				childSeen = true
			}
			if strings.EqualFold(t.Name.Local, "Solution") {
				attrs := make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					attrs[normalizeKey(a.Name.Local)] = a.Value
				}
				if attrs["best"] == "1" && bestIndex < 0 {
					bestIndex = len(solutions)
				}
				solutions = append(solutions, attrs)
			}
		case xml.EndElement:
			depth--
		}
	}

	if !rootSeen || !childSeen {
		return models.SolutionSummary{}, models.NewError(models.ErrXMLInvalid, "solution xml has no content")
	}
	if len(solutions) == 0 {
		return models.SolutionSummary{}, models.NewError(models.ErrXMLInvalid, "solution xml contains no Solution element")
	}
	if bestIndex < 0 {
		bestIndex = 0
	}

	attrs := solutions[bestIndex]
	return models.SolutionSummary{
		BestSolution:   attrInt(attrs, "number", "n", "id"),
		Algorithm:      firstAttr(attrs, "algorithm"),
		MQBoards:       attrFloat(attrs, "mqboards"),
		Patterns:       attrInt(attrs, "patterns"),
		Cycles:         attrInt(attrs, "cycles"),
		ZCuts:          attrInt(attrs, "zcuts"),
		JobTime:        attrFloat(attrs, "jobtime"),
		JobCost:        attrFloat(attrs, "jobcost"),
		MQDrops:        attrFloat(attrs, "mqdrops"),
		DiffDrops:      attrFloat(attrs, "diffdrops"),
		TotalSolutions: len(solutions),
	}, nil
}

// Quarantine moves an invalid XML into a sibling failed/ folder, returning
// the new location.
func Quarantine(path string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), "failed")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine xml: %w", err)
	}
	return dst, nil
}

// normalizeKey lowercases and strips underscores so mq_boards and mqBoards
// read the same.
func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "_", "")
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := attrs[k]; ok {
			return v
		}
	}
	return ""
}

func attrFloat(attrs map[string]string, keys ...string) float64 {
	v := firstAttr(attrs, keys...)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

func attrInt(attrs map[string]string, keys ...string) int {
	v := firstAttr(attrs, keys...)
	if v == "" {
		return 0
	}
	// some exports write counts as floats
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return int(f)
}
