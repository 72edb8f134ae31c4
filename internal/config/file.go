package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// source resolves a key from the environment first, then from the file
// named by CONFIG_FILE. The file is a flat mapping of the same keys:
//
//	HTTP_ADDR: ":9090"
//	GRID_ROUNDING: floor
type source struct {
	file map[string]string
}

func newSource() (source, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return source{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config: %w", err)
	}
	file, err := parseFile(data)
	if err != nil {
		return source{}, err
	}
	return source{file: file}, nil
}

func parseFile(data []byte) (map[string]string, error) {
	file := map[string]string{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("parse config: multiple YAML documents are not supported")
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return file, nil
}

func (s source) get(key string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(s.file[key])
}
