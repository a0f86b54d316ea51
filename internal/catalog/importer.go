package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog reports a catalog document that cannot be imported.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Writer persists catalog entries.
type Writer interface {
	UpsertSlot(ctx context.Context, slot booking.Slot) error
	UpsertResource(ctx context.Context, resource booking.Resource) error
}

// Document is the YAML catalog layout.
type Document struct {
	Slots     []SlotEntry     `yaml:"slots"`
	Resources []ResourceEntry `yaml:"resources"`
}

// SlotEntry describes one recurring class.
type SlotEntry struct {
	ID         string          `yaml:"id"`
	ClassName  string          `yaml:"class"`
	Weekday    string          `yaml:"weekday"`
	Start      string          `yaml:"start"`
	End        string          `yaml:"end"`
	Instructor InstructorEntry `yaml:"instructor"`
}

// InstructorEntry names who leads a class.
type InstructorEntry struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// ResourceEntry describes one bicycle.
type ResourceEntry struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

// ImportReport counts what an import wrote.
type ImportReport struct {
	Slots     int
	Resources int
}

// Parse decodes and validates a catalog document. Unknown keys are rejected.
func Parse(reader io.Reader) ([]booking.Slot, []booking.Resource, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var document Document
	if err := decoder.Decode(&document); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	slots := make([]booking.Slot, 0, len(document.Slots))
	seenSlots := make(map[string]struct{}, len(document.Slots))
	for index, entry := range document.Slots {
		slot, err := entry.toSlot()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: slot %d: %v", ErrInvalidCatalog, index, err)
		}
		if _, exists := seenSlots[slot.ID.String()]; exists {
			return nil, nil, fmt.Errorf("%w: duplicate slot %s", ErrInvalidCatalog, slot.ID.String())
		}
		seenSlots[slot.ID.String()] = struct{}{}
		slots = append(slots, slot)
	}
	resources := make([]booking.Resource, 0, len(document.Resources))
	seenResources := make(map[string]struct{}, len(document.Resources))
	for index, entry := range document.Resources {
		resourceID, err := booking.NewResourceID(entry.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: resource %d: %v", ErrInvalidCatalog, index, err)
		}
		if _, exists := seenResources[resourceID.String()]; exists {
			return nil, nil, fmt.Errorf("%w: duplicate resource %s", ErrInvalidCatalog, resourceID.String())
		}
		seenResources[resourceID.String()] = struct{}{}
		label := strings.TrimSpace(entry.Label)
		if label == "" {
			label = resourceID.String()
		}
		resources = append(resources, booking.Resource{ID: resourceID, Label: label})
	}
	return slots, resources, nil
}

// Import parses reader and upserts every slot and resource through writer.
func Import(ctx context.Context, reader io.Reader, writer Writer) (ImportReport, error) {
	slots, resources, err := Parse(reader)
	if err != nil {
		return ImportReport{}, err
	}
	var report ImportReport
	for _, slot := range slots {
		if err := writer.UpsertSlot(ctx, slot); err != nil {
			return report, fmt.Errorf("import slot %s: %w", slot.ID.String(), err)
		}
		report.Slots++
	}
	for _, resource := range resources {
		if err := writer.UpsertResource(ctx, resource); err != nil {
			return report, fmt.Errorf("import resource %s: %w", resource.ID.String(), err)
		}
		report.Resources++
	}
	return report, nil
}

func (entry SlotEntry) toSlot() (booking.Slot, error) {
	slotID, err := booking.NewSlotID(entry.ID)
	if err != nil {
		return booking.Slot{}, err
	}
	weekday, err := parseWeekday(entry.Weekday)
	if err != nil {
		return booking.Slot{}, err
	}
	start, err := booking.ParseClockTime(entry.Start)
	if err != nil {
		return booking.Slot{}, err
	}
	slot := booking.Slot{
		ID:              slotID,
		ClassName:       strings.TrimSpace(entry.ClassName),
		Weekday:         weekday,
		StartClock:      start,
		InstructorName:  strings.TrimSpace(entry.Instructor.Name),
		InstructorEmail: strings.TrimSpace(entry.Instructor.Email),
	}
	if strings.TrimSpace(entry.End) != "" {
		end, err := booking.ParseClockTime(entry.End)
		if err != nil {
			return booking.Slot{}, err
		}
		slot.EndClock = end
	}
	return slot, nil
}

func parseWeekday(raw string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for day := time.Sunday; day <= time.Saturday; day++ {
		name := strings.ToLower(day.String())
		if normalized == name || normalized == name[:3] {
			return day, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", raw)
}
