package derive

import (
	"fmt"
	"math"
	"path"
	"strings"
	"unicode"
)

// Weights of each attribute in the diversity measure. They sum to 1.
const (
	extensionWeight = 0.5
	depthWeight     = 0.2
	patternWeight   = 0.3
)

// minSampleFiles is the smallest tree whose entropy is normalized by its
// own size. Smaller trees are measured against log2(minSampleFiles) so a
// handful of distinct files does not read as maximal diversity.
const minSampleFiles = 32

// Thresholds are the detection ceilings. Crossing either one yields a
// candidate reorganization.
type Thresholds struct {
	MaxFiles     int
	MaxDiversity float64
}

// DefaultThresholds returns the ceilings used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{MaxFiles: 2000, MaxDiversity: 0.35}
}

// Verdict is the outcome of an analysis.
type Verdict string

const (
	NoActionNeeded Verdict = "no_action_needed"
	Candidate      Verdict = "candidate"
)

// Metrics are the signals computed over a snapshot.
type Metrics struct {
	FileCount        int     `json:"file_count"`
	Diversity        float64 `json:"diversity"`
	ExtensionEntropy float64 `json:"extension_entropy"`
	DepthEntropy     float64 `json:"depth_entropy"`
	PatternEntropy   float64 `json:"pattern_entropy"`
	DistinctTypes    int     `json:"distinct_types"`
}

// Result is a SimulationResult: NoActionNeeded or Candidate with a schema.
type Result struct {
	Verdict Verdict  `json:"verdict"`
	Metrics Metrics  `json:"metrics"`
	Reasons []string `json:"reasons,omitempty"`
	Schema  *Schema  `json:"schema,omitempty"`
}

// IsCandidate reports whether a reorganization was proposed.
func (r Result) IsCandidate() bool { return r.Verdict == Candidate }

// Detector decides whether a snapshot needs reorganizing. It never touches
// the filesystem.
type Detector struct {
	thresholds Thresholds
	plan       PlanOptions
}

// NewDetector creates a detector with the given ceilings and plan options.
func NewDetector(t Thresholds, plan PlanOptions) *Detector {
	return &Detector{thresholds: t, plan: plan}
}

// Analyze computes the signals for snap and, when a ceiling is crossed,
// the deterministic schema for it.
func (d *Detector) Analyze(snap *Snapshot) Result {
	m := Measure(snap.Files)
	res := Result{Verdict: NoActionNeeded, Metrics: m}

	if m.FileCount > d.thresholds.MaxFiles {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("file count %d exceeds ceiling %d", m.FileCount, d.thresholds.MaxFiles))
	}
	if m.Diversity > d.thresholds.MaxDiversity {
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("diversity %.3f exceeds ceiling %.3f", m.Diversity, d.thresholds.MaxDiversity))
	}
	if len(res.Reasons) == 0 {
		return res
	}

	schema := Plan(snap, d.plan)
	if len(schema.Operations) == 0 {
		res.Reasons = append(res.Reasons, "tree already matches the derived layout")
		return res
	}
	res.Verdict = Candidate
	res.Schema = schema
	return res
}

// Measure computes file count and the weighted diversity of files.
//
// Each attribute contributes its Shannon entropy normalized by
// log2(max(n, minSampleFiles)), so every term lies in [0,1] and tiny trees
// stay near zero.
func Measure(files []File) Metrics {
	n := len(files)
	m := Metrics{FileCount: n}
	if n < 2 {
		return m
	}

	exts := make(map[string]int)
	depths := make(map[string]int)
	patterns := make(map[string]int)
	for _, f := range files {
		exts[Extension(f.Path)]++
		depths[fmt.Sprint(f.Depth())]++
		patterns[NamePattern(f.Path)]++
	}

	maxEntropy := math.Log2(float64(max(n, minSampleFiles)))
	m.DistinctTypes = len(exts)
	m.ExtensionEntropy = entropy(exts, n) / maxEntropy
	m.DepthEntropy = entropy(depths, n) / maxEntropy
	m.PatternEntropy = entropy(patterns, n) / maxEntropy
	m.Diversity = extensionWeight*m.ExtensionEntropy +
		depthWeight*m.DepthEntropy +
		patternWeight*m.PatternEntropy
	return m
}

func entropy(counts map[string]int, n int) float64 {
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

// Extension returns the lower-case extension of p without the dot, or
// "noext".
func Extension(p string) string {
	base := path.Base(p)
	ext := path.Ext(base)
	if ext == "" || ext == base {
		return "noext"
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NamePattern reduces a file name to its leading token with digits
// replaced by '#': "IMG_0042.jpg" and "img_7.png" both become "img".
func NamePattern(p string) string {
	base := path.Base(p)
	if ext := path.Ext(base); ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	if i := strings.IndexAny(base, "-_. "); i > 0 {
		base = base[:i]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(base) {
		if unicode.IsDigit(r) {
			r = '#'
		}
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "#"
	}
	return b.String()
}
