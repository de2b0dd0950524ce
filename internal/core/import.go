package core

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"soulkyn.app/character-chat/internal/store"
)

type characterFile struct {
	Characters []store.Character `yaml:"characters"`
}

// LoadCharactersYAML reads a seed file of the form
//
//	characters:
//	  - name: Alice
//	    description: ...
//	    height: 1650
func LoadCharactersYAML(r io.Reader) ([]store.Character, error) {
	var f characterFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse character file: %w", err)
	}
	return f.Characters, nil
}
