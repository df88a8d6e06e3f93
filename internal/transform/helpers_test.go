package transform

import "gopkg.in/yaml.v3"

// decodeMap mimics the pipeline file decoder for stage configs.
func decodeMap(m map[string]any, v any) error {
	if m == nil {
		return nil
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, v)
}
