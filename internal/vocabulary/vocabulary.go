package vocabulary

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Vocabulary is the ordered, read-only list of known commands.
type Vocabulary struct {
	commands []string
}

// New builds a vocabulary from an ordered command list.
func New(commands []string) Vocabulary {
	return Vocabulary{commands: append([]string(nil), commands...)}
}

// Load reads a vocabulary file. The file is a JSON array of strings; a YAML
// sequence is accepted as well.
func Load(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("read vocabulary: %w", err)
	}
	var commands []string
	if err := yaml.Unmarshal(data, &commands); err != nil {
		return Vocabulary{}, fmt.Errorf("parse vocabulary: %w", err)
	}
	return New(commands), nil
}

// Validate ensures the vocabulary is usable by a matcher.
func Validate(v Vocabulary) error {
	if len(v.commands) == 0 {
		return fmt.Errorf("vocabulary must contain at least one command")
	}
	seen := make(map[string]int, len(v.commands))
	for i, cmd := range v.commands {
		key := strings.ToLower(strings.TrimSpace(cmd))
		if key == "" {
			return fmt.Errorf("command %d is empty", i)
		}
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("command %d %q duplicates command %d", i, cmd, prev)
		}
		seen[key] = i
	}
	return nil
}

// Commands returns a copy of the command list in file order.
func (v Vocabulary) Commands() []string {
	return append([]string(nil), v.commands...)
}

func (v Vocabulary) Len() int { return len(v.commands) }
