package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"pipelines/internal/apperrors"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Format is a workflow file syntax.
type Format string

// Supported formats
const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("unsupported workflow file extension %q", filepath.Ext(path))
	}
}

// Load reads, decodes and validates a workflow file.
func Load(path string) (*Workflow, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	wf, err := parse(data, format, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return wf, nil
}

// Parse decodes and validates a workflow document.
func Parse(data []byte, format Format) (*Workflow, error) {
	return parse(data, format, "workflow."+string(format))
}

func parse(data []byte, format Format, filename string) (*Workflow, error) {
	var (
		wf  *Workflow
		err error
	)
	switch format {
	case FormatYAML:
		wf, err = decodeYAML(data)
	case FormatHCL:
		wf, err = decodeHCL(data, filename)
	default:
		return nil, apperrors.Validationf("format", "unsupported workflow format %q", format)
	}
	if err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

type yamlWorkflow struct {
	Name string    `yaml:"name"`
	On   Filter    `yaml:"on"`
	Jobs yaml.Node `yaml:"jobs"`
}

type yamlJob struct {
	Needs       stringList        `yaml:"needs"`
	When        *Filter           `yaml:"when"`
	Matrix      yaml.Node         `yaml:"matrix"`
	Image       string            `yaml:"image"`
	Env         map[string]string `yaml:"env"`
	Steps       []Step            `yaml:"steps"`
	Credentials []yamlCredential  `yaml:"credentials"`
	Timeout     string            `yaml:"timeout"`
}

type yamlCredential struct {
	Path     string              `yaml:"path"`
	Sections []CredentialSection `yaml:"sections"`
}

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*l = []string{n.Value}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a string", item.Line)
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or list of strings", n.Line)
	}
}

func decodeYAML(data []byte) (*Workflow, error) {
	var doc yamlWorkflow
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Validationf("workflow", "invalid YAML: %v", err)
	}

	wf := &Workflow{Name: doc.Name, On: doc.On}

	// Jobs are decoded from the raw mapping to keep declaration order.
	if doc.Jobs.Kind != 0 && doc.Jobs.Kind != yaml.MappingNode {
		return nil, apperrors.Validationf("jobs", "line %d: jobs must be a mapping", doc.Jobs.Line)
	}
	for i := 0; i+1 < len(doc.Jobs.Content); i += 2 {
		key, value := doc.Jobs.Content[i], doc.Jobs.Content[i+1]

		var yj yamlJob
		if err := value.Decode(&yj); err != nil {
			return nil, apperrors.Validationf("jobs."+key.Value, "invalid job: %v", err)
		}
		matrix, err := decodeYAMLMatrix(&yj.Matrix)
		if err != nil {
			return nil, apperrors.Validationf("jobs."+key.Value+".matrix", "%v", err)
		}
		timeout, err := parseTimeout(yj.Timeout)
		if err != nil {
			return nil, apperrors.Validationf("jobs."+key.Value+".timeout", "%v", err)
		}

		job := &Job{
			Name:    key.Value,
			Needs:   yj.Needs,
			When:    yj.When,
			Matrix:  matrix,
			Image:   yj.Image,
			Env:     yj.Env,
			Steps:   yj.Steps,
			Timeout: timeout,
		}
		for _, c := range yj.Credentials {
			job.Credentials = append(job.Credentials, Credential{Path: c.Path, Sections: c.Sections})
		}
		wf.Jobs = append(wf.Jobs, job)
	}
	return wf, nil
}

// decodeYAMLMatrix reads axis values from their raw scalar text so that
// unquoted versions such as 3.10 stay "3.10".
func decodeYAMLMatrix(n *yaml.Node) (Matrix, error) {
	if n.Kind == 0 {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: matrix must be a mapping of axis to values", n.Line)
	}
	var m Matrix
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		var values stringList
		if err := values.UnmarshalYAML(value); err != nil {
			return nil, fmt.Errorf("axis %q: %w", key.Value, err)
		}
		m = append(m, Axis{Name: key.Value, Values: values})
	}
	return m, nil
}

type hclWorkflow struct {
	Name string    `hcl:"name"`
	On   *Filter   `hcl:"on,block"`
	Jobs []*hclJob `hcl:"job,block"`
}

type hclJob struct {
	Name        string            `hcl:"name,label"`
	Needs       []string          `hcl:"needs,optional"`
	Image       string            `hcl:"image,optional"`
	Env         map[string]string `hcl:"env,optional"`
	Timeout     string            `hcl:"timeout,optional"`
	When        *Filter           `hcl:"when,block"`
	Axes        []*hclAxis        `hcl:"matrix,block"`
	Steps       []Step            `hcl:"step,block"`
	Credentials []*hclCredential  `hcl:"credentials,block"`
}

type hclAxis struct {
	Name   string   `hcl:"name,label"`
	Values []string `hcl:"values"`
}

type hclCredential struct {
	Path     string              `hcl:"path,label"`
	Sections []CredentialSection `hcl:"section,block"`
}

// decodeHCL decodes the HCL form. Template expressions must be written
// as $${{ ... }} so HCL does not interpolate them.
func decodeHCL(data []byte, filename string) (*Workflow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, apperrors.Validationf("workflow", "invalid HCL: %s", diags.Error())
	}

	var doc hclWorkflow
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, apperrors.Validationf("workflow", "invalid HCL: %s", diags.Error())
	}

	wf := &Workflow{Name: doc.Name}
	if doc.On != nil {
		wf.On = *doc.On
	}
	for _, hj := range doc.Jobs {
		timeout, err := parseTimeout(hj.Timeout)
		if err != nil {
			return nil, apperrors.Validationf("jobs."+hj.Name+".timeout", "%v", err)
		}
		job := &Job{
			Name:    hj.Name,
			Needs:   hj.Needs,
			When:    hj.When,
			Image:   hj.Image,
			Env:     hj.Env,
			Steps:   hj.Steps,
			Timeout: timeout,
		}
		for _, a := range hj.Axes {
			job.Matrix = append(job.Matrix, Axis{Name: a.Name, Values: a.Values})
		}
		for _, c := range hj.Credentials {
			job.Credentials = append(job.Credentials, Credential{Path: c.Path, Sections: c.Sections})
		}
		wf.Jobs = append(wf.Jobs, job)
	}
	return wf, nil
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return d, nil
}
