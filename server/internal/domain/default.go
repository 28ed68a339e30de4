package domain

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// DefaultCatalog 返回内置的标签目录；配置未指定目录文件时使用。
func DefaultCatalog() *Catalog {
	var c Catalog
	if err := yaml.Unmarshal(defaultCatalogYAML, &c); err != nil {
		panic(fmt.Sprintf("parse default catalog: %v", err))
	}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("validate default catalog: %v", err))
	}
	return &c
}
