package obs

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/openmash/mash/internal/models"
)

// PackageInfo describes one package inside a watched image.
type PackageInfo struct {
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch,omitempty"`
	License string `json:"license,omitempty"`
}

// ImageStatus is a repository snapshot of the watched image.
type ImageStatus struct {
	Version   string                 `json:"version"`
	Checksum  string                 `json:"checksum,omitempty"`
	ImageFile string                 `json:"image_file,omitempty"`
	Packages  map[string]PackageInfo `json:"packages"`
}

// Condition gates image readiness on a package or image version. An empty
// operator means >=.
type Condition struct {
	Package   string `json:"package_name,omitempty"`
	Image     string `json:"image,omitempty"`
	Version   string `json:"version,omitempty"`
	Release   string `json:"release,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// ParseConditions reads the conditions list from a job document.
func ParseConditions(doc models.JobDocument) ([]Condition, error) {
	raw, ok := doc["conditions"]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var conditions []Condition
	if err := json.Unmarshal(data, &conditions); err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	return conditions, nil
}

func stringList(doc models.JobDocument, key string) []string {
	raw, ok := doc[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DisallowLicenses returns the job's forbidden license list.
func DisallowLicenses(doc models.JobDocument) []string {
	return stringList(doc, "disallow_licenses")
}

// DisallowPackages returns the job's forbidden package patterns.
func DisallowPackages(doc models.JobDocument) []string {
	return stringList(doc, "disallow_packages")
}

// ConditionResult records the outcome of one readiness gate, carried in the
// forwarded status_msg so downstream stages and notifications can report
// which gates held.
type ConditionResult struct {
	Condition
	Satisfied bool   `json:"satisfied"`
	Reason    string `json:"reason,omitempty"`
}

func evaluateCondition(status *ImageStatus, c Condition) ConditionResult {
	result := ConditionResult{Condition: c, Satisfied: true}
	switch {
	case c.Image != "":
		if !SatisfiesCondition(status.Version, c.Image, c.Condition) {
			result.Satisfied = false
			result.Reason = fmt.Sprintf(
				"image version %s does not satisfy %s %s", status.Version, orDefault(c.Condition), c.Image)
		}
	case c.Package != "":
		pkg, ok := status.Packages[c.Package]
		if !ok {
			result.Satisfied = false
			result.Reason = fmt.Sprintf("package %s not in image", c.Package)
			return result
		}
		if c.Version != "" && !SatisfiesCondition(pkg.Version, c.Version, c.Condition) {
			result.Satisfied = false
			result.Reason = fmt.Sprintf(
				"package %s version %s does not satisfy %s %s", c.Package, pkg.Version, orDefault(c.Condition), c.Version)
		}
		if c.Release != "" && result.Satisfied && !SatisfiesCondition(pkg.Release, c.Release, c.Condition) {
			result.Satisfied = false
			result.Reason = fmt.Sprintf(
				"package %s release %s does not satisfy %s %s", c.Package, pkg.Release, orDefault(c.Condition), c.Release)
		}
	}
	return result
}

// EvaluateConditions runs every gate and returns the per-condition results.
func EvaluateConditions(status *ImageStatus, conditions []Condition) []ConditionResult {
	results := make([]ConditionResult, 0, len(conditions))
	for _, c := range conditions {
		results = append(results, evaluateCondition(status, c))
	}
	return results
}

// CheckConditions evaluates every gate against the image status. The
// returned errors name each unmet condition; an empty slice means the
// image is ready.
func CheckConditions(status *ImageStatus, conditions []Condition, disallowLicenses, disallowPackages []string) []string {
	var failures []string

	for _, result := range EvaluateConditions(status, conditions) {
		if !result.Satisfied {
			failures = append(failures, result.Reason)
		}
	}

	for name, pkg := range status.Packages {
		for _, license := range disallowLicenses {
			if pkg.License == license {
				failures = append(failures, fmt.Sprintf("package %s carries disallowed license %s", name, license))
			}
		}
		for _, pattern := range disallowPackages {
			if matched, err := path.Match(pattern, name); err == nil && matched {
				failures = append(failures, fmt.Sprintf("package %s matches disallowed pattern %s", name, pattern))
			}
		}
	}

	return failures
}

func orDefault(operator string) string {
	if operator == "" {
		return ">="
	}
	return operator
}
