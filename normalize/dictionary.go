package normalize

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed dictionary.yaml
var dictionaryYAML []byte

// patternNorm is one dictionary row: a regex and the normalized form it
// maps to.
type patternNorm struct {
	Match string `yaml:"match"`
	Norm  string `yaml:"norm"`
}

type rawDictionary struct {
	Version  string        `yaml:"version"`
	Calibers []patternNorm `yaml:"calibers"`
	Gauges   []patternNorm `yaml:"gauges"`
	Grain    struct {
		Pattern string `yaml:"pattern"`
	} `yaml:"grain"`
	RoundCount struct {
		Patterns []string `yaml:"patterns"`
	} `yaml:"round_count"`
	ShotSize struct {
		Pattern string `yaml:"pattern"`
	} `yaml:"shot_size"`
	BuckSize struct {
		Pattern string `yaml:"pattern"`
	} `yaml:"buck_size"`
	SlugWeight struct {
		Pattern string `yaml:"pattern"`
	} `yaml:"slug_weight"`
	ShellLength []patternNorm `yaml:"shell_length"`
}

type compiledEntry struct {
	re   *regexp.Regexp
	norm string
}

// dictionary is the compiled, frozen extraction table. Its version string
// is recorded in resolver evidence so decisions stay replayable across
// dictionary revisions.
type dictionary struct {
	version     string
	calibers    []compiledEntry
	gauges      []compiledEntry
	grain       *regexp.Regexp
	roundCount  []*regexp.Regexp
	shotSize    *regexp.Regexp
	buckSize    *regexp.Regexp
	slugWeight  *regexp.Regexp
	shellLength []compiledEntry
}

var dict = mustLoadDictionary(dictionaryYAML)

// DictionaryVersion is the version of the embedded extraction dictionary.
func DictionaryVersion() string { return dict.version }

func mustLoadDictionary(raw []byte) *dictionary {
	var parsed rawDictionary
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		panic(fmt.Sprintf("parsing embedded dictionary: %v", err))
	}
	if parsed.Version == "" {
		panic("embedded dictionary has no version")
	}

	var d = &dictionary{version: parsed.Version}
	d.calibers = compileEntries(parsed.Calibers)
	d.gauges = compileEntries(parsed.Gauges)
	d.grain = compileCI(parsed.Grain.Pattern)
	for _, p := range parsed.RoundCount.Patterns {
		d.roundCount = append(d.roundCount, compileCI(p))
	}
	d.shotSize = compileCI(parsed.ShotSize.Pattern)
	d.buckSize = compileCI(parsed.BuckSize.Pattern)
	d.slugWeight = compileCI(parsed.SlugWeight.Pattern)
	d.shellLength = compileEntries(parsed.ShellLength)
	return d
}

func compileEntries(rows []patternNorm) []compiledEntry {
	var out = make([]compiledEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, compiledEntry{re: compileCI(row.Match), norm: row.Norm})
	}
	return out
}

// compileCI compiles a dictionary pattern case-insensitively. Extraction
// runs over raw (un-normalized) text, so patterns see punctuation.
func compileCI(pattern string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pattern)
}
