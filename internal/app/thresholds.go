package app

import (
	"encoding/json"
	"io"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// PrintThresholds writes the effective detection thresholds, as JSON or as a YAML config fragment.
func (a *App) PrintThresholds(out io.Writer, asYAML bool) error {
	th := a.Config.Detection
	if !asYAML {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(th)
	}

	section := yaml.Node{Kind: yaml.MappingNode}
	rv := reflect.ValueOf(th)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		value := rv.Field(i).Interface()
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		var node yaml.Node
		if err := node.Encode(value); err != nil {
			return err
		}
		section.Content = append(section.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, &node)
	}
	doc := yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: "detection"}, &section,
	}}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return err
	}
	return enc.Close()
}
