package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/utils"
)

// Pipelines describes namespaces, their tables and dependency edges.
type Pipelines struct {
	Namespaces   map[string]Namespace `yaml:"namespaces" validate:"required,dive"`
	PancakePages []PancakePage        `yaml:"pancake_pages" validate:"dive"`
}

type Namespace struct {
	// SLA per stage; a slower stage raises a timeout alert
	SLA    time.Duration `yaml:"sla"`
	Tables []TableDef    `yaml:"tables" validate:"required,min=1,dive"`
}

type TableDef struct {
	Name  string   `yaml:"name" validate:"required"`
	After []string `yaml:"after"`
	// Disabled stages default to off for scheduled runs
	Disabled []string `yaml:"disabled" validate:"dive,oneof=extract transform load"`
}

// PancakePage is one Pancake page the customer/conversation/message pipelines read.
type PancakePage struct {
	Index           int    `yaml:"index"`
	PageID          string `yaml:"page_id" validate:"required"`
	PageAccessToken string `yaml:"page_access_token" validate:"required"`
	Platform        string `yaml:"platform"`
	Name            string `yaml:"name"`
	PancakeURL      string `yaml:"pancake_url"`
}

// LoadPipelines reads the YAML file, expanding ${VAR} references from the environment.
func LoadPipelines(path string) (*Pipelines, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines file %s: %w", path, err)
	}
	return ParsePipelines(raw)
}

func ParsePipelines(raw []byte) (*Pipelines, error) {
	var p Pipelines
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipelines: %w", err)
	}
	if _, err := utils.Validate(p); err != nil {
		return nil, err
	}

	for ns, def := range p.Namespaces {
		names := map[string]bool{}
		for _, t := range def.Tables {
			if names[t.Name] {
				return nil, fmt.Errorf("namespace %s: duplicate table %s", ns, t.Name)
			}
			names[t.Name] = true
		}
		for _, t := range def.Tables {
			for _, dep := range t.After {
				if !names[dep] {
					return nil, fmt.Errorf("namespace %s: table %s depends on unknown table %s", ns, t.Name, dep)
				}
			}
		}
	}
	return &p, nil
}

// Table returns the definition of ns.table.
func (p *Pipelines) Table(ns, table string) (TableDef, bool) {
	def, ok := p.Namespaces[ns]
	if !ok {
		return TableDef{}, false
	}
	for _, t := range def.Tables {
		if t.Name == table {
			return t, true
		}
	}
	return TableDef{}, false
}
