package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"carelink/internal/models"

	"gopkg.in/yaml.v3"
)

//go:embed rooms.yml
var defaultRoomsYAML []byte

type seedFile struct {
	Rooms []seedRoom `yaml:"rooms"`
}

type seedRoom struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	Kind         models.RoomKind      `yaml:"kind"`
	Priority     models.Priority      `yaml:"priority"`
	Participants []models.Participant `yaml:"participants"`
}

// LoadSeed parses a YAML room catalog.
func LoadSeed(r io.Reader) ([]models.ChatRoom, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode room catalog: %w", err)
	}

	rooms := make([]models.ChatRoom, 0, len(f.Rooms))
	for _, sr := range f.Rooms {
		if !sr.Kind.Valid() {
			return nil, fmt.Errorf("room %q: unknown kind %q", sr.ID, sr.Kind)
		}
		priority := sr.Priority
		if priority == "" {
			priority = models.PriorityMedium
		}
		rooms = append(rooms, models.ChatRoom{
			ID:           sr.ID,
			Name:         sr.Name,
			Description:  sr.Description,
			Kind:         sr.Kind,
			Priority:     priority,
			Participants: sr.Participants,
			IsActive:     true,
		})
	}
	return rooms, nil
}

// DefaultSeed returns the built-in room catalog.
func DefaultSeed() ([]models.ChatRoom, error) {
	return LoadSeed(bytes.NewReader(defaultRoomsYAML))
}

// LoadSeedFile reads a catalog from path, or the built-in one when path is empty.
func LoadSeedFile(path string) ([]models.ChatRoom, error) {
	if path == "" {
		return DefaultSeed()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open room catalog: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}
