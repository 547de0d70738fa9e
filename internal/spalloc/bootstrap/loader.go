// Package bootstrap loads machine description files into the store. A
// description names the triad grid, the physical position and network
// address of every board, and which boards are known dead on arrival.
package bootstrap

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

// BoardDescription is one board entry of a machine description file.
type BoardDescription struct {
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Z       int    `json:"z"`
	Cabinet int    `json:"cabinet"`
	Frame   int    `json:"frame"`
	Board   int    `json:"board"`
	Address string `json:"address"`
	// Dead boards are loaded as non-functioning so they are never allocated.
	Dead bool `json:"dead,omitempty"`
}

// MachineDescription is the on-disk form of a machine definition.
type MachineDescription struct {
	Name   string             `json:"name"`
	Width  int                `json:"width"`
	Height int                `json:"height"`
	Tags   []string           `json:"tags"`
	Boards []BoardDescription `json:"boards"`
}

// LoadFile reads and validates a machine description.
func LoadFile(path string) (*model.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return Load(data)
}

// Load validates a machine description and converts it to the model form.
// Boards are ordered by (x, y, z) regardless of file order.
func Load(data []byte) (*model.Machine, error) {
	var desc MachineDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.Wrap(err, "malformed machine description")
	}
	if desc.Name == "" {
		return nil, errors.New("machine description has no name")
	}
	if desc.Width < 1 || desc.Height < 1 {
		return nil, errors.Errorf("machine %q has invalid dimensions %dx%d",
			desc.Name, desc.Width, desc.Height)
	}
	if len(desc.Boards) == 0 {
		return nil, errors.Errorf("machine %q has no boards", desc.Name)
	}

	machine := &model.Machine{
		Name:      desc.Name,
		Width:     desc.Width,
		Height:    desc.Height,
		Depth:     model.TriadDepth,
		InService: true,
		Tags:      normaliseTags(desc.Tags),
	}

	seenLogical := map[model.TriadCoords]bool{}
	seenPhysical := map[model.PhysicalCoords]bool{}
	for _, b := range desc.Boards {
		coords := model.TriadCoords{X: b.X, Y: b.Y, Z: b.Z}
		if b.X < 0 || b.X >= desc.Width || b.Y < 0 || b.Y >= desc.Height ||
			b.Z < 0 || b.Z >= model.TriadDepth {
			return nil, errors.Errorf("machine %q: board %v outside the grid", desc.Name, coords)
		}
		if seenLogical[coords] {
			return nil, errors.Errorf("machine %q: duplicate board %v", desc.Name, coords)
		}
		seenLogical[coords] = true
		physical := model.PhysicalCoords{Cabinet: b.Cabinet, Frame: b.Frame, Board: b.Board}
		if seenPhysical[physical] {
			return nil, errors.Errorf("machine %q: duplicate physical position %v", desc.Name, physical)
		}
		seenPhysical[physical] = true

		machine.Boards = append(machine.Boards, model.Board{
			Coords:      coords,
			Physical:    physical,
			ChipRoot:    coords.RootChip(),
			Address:     b.Address,
			Functioning: !b.Dead,
		})
	}

	slices.SortFunc(machine.Boards, func(a, b model.Board) bool {
		if a.Coords.X != b.Coords.X {
			return a.Coords.X < b.Coords.X
		}
		if a.Coords.Y != b.Coords.Y {
			return a.Coords.Y < b.Coords.Y
		}
		return a.Coords.Z < b.Coords.Z
	})
	return machine, nil
}

func normaliseTags(tags []string) []string {
	set := map[string]bool{}
	for _, tag := range tags {
		if tag != "" {
			set[tag] = true
		}
	}
	normalised := maps.Keys(set)
	slices.Sort(normalised)
	return normalised
}
