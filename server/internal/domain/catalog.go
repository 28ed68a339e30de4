package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Label 是目录中的一个标签。ID 稳定且在所属标签空间内唯一。
type Label struct {
	ID       string   `yaml:"id" json:"id"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	// Specialties 与该标签相关的专科（症状、治疗使用）。
	Specialties []string `yaml:"specialties,omitempty" json:"specialties,omitempty"`
	// Kind 治疗类别：test | medication | therapy。
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// LabelSpace 是一个固定的标签枚举。定义顺序即平分时的排序顺序。
type LabelSpace struct {
	Name   string  `yaml:"name" json:"name"`
	Multi  bool    `yaml:"multi_select" json:"multi_select"`
	Labels []Label `yaml:"labels" json:"labels"`

	index map[string]int
}

// Index 返回标签在定义顺序中的位置。
func (s *LabelSpace) Index(id string) (int, bool) {
	if s.index == nil {
		s.buildIndex()
	}
	i, ok := s.index[id]
	return i, ok
}

// Contains 标签是否属于该空间。
func (s *LabelSpace) Contains(id string) bool {
	_, ok := s.Index(id)
	return ok
}

// Get 按 ID 取标签。
func (s *LabelSpace) Get(id string) (Label, bool) {
	i, ok := s.Index(id)
	if !ok {
		return Label{}, false
	}
	return s.Labels[i], true
}

// IDs 按定义顺序返回所有 ID。
func (s *LabelSpace) IDs() []string {
	out := make([]string, len(s.Labels))
	for i, l := range s.Labels {
		out[i] = l.ID
	}
	return out
}

func (s *LabelSpace) buildIndex() {
	s.index = make(map[string]int, len(s.Labels))
	for i, l := range s.Labels {
		s.index[l.ID] = i
	}
}

// Catalog 汇总三个标签空间。
type Catalog struct {
	Specialties LabelSpace `yaml:"specialties" json:"specialties"`
	Symptoms    LabelSpace `yaml:"symptoms" json:"symptoms"`
	Treatments  LabelSpace `yaml:"treatments" json:"treatments"`
}

// LoadCatalog 从 yaml 文件加载标签目录。
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	return &c, nil
}

// Validate 检查 ID 唯一、引用的专科存在。
func (c *Catalog) Validate() error {
	for _, space := range []*LabelSpace{&c.Specialties, &c.Symptoms, &c.Treatments} {
		if len(space.Labels) == 0 {
			return fmt.Errorf("label space %q is empty", space.Name)
		}
		seen := make(map[string]bool, len(space.Labels))
		for _, l := range space.Labels {
			if l.ID == "" {
				return fmt.Errorf("label space %q has an empty id", space.Name)
			}
			if seen[l.ID] {
				return fmt.Errorf("label space %q: duplicate id %q", space.Name, l.ID)
			}
			seen[l.ID] = true
		}
		space.buildIndex()
	}
	if c.Specialties.Multi {
		return fmt.Errorf("specialty space must be single-select")
	}
	for _, space := range []*LabelSpace{&c.Symptoms, &c.Treatments} {
		for _, l := range space.Labels {
			for _, sp := range l.Specialties {
				if !c.Specialties.Contains(sp) {
					return fmt.Errorf("%s %q references unknown specialty %q", space.Name, l.ID, sp)
				}
			}
		}
	}
	return nil
}
