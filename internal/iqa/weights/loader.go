package weights

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
)

// bufferSuffixes name checkpoint entries that are derived state, not parameters.
var bufferSuffixes = []string{
	"relative_position_index",
	"attn_mask",
	"num_batches_tracked",
}

// Loader maps safetensors checkpoints onto the parameters of a model.
type Loader struct {
	Model *model.Model
	// Strict fails the load when a model parameter is absent from the file.
	Strict bool
}

// NewLoader creates a new strict weight loader for the given model.
func NewLoader(m *model.Model) *Loader {
	return &Loader{Model: m, Strict: true}
}

// Report describes how a checkpoint matched the model.
type Report struct {
	Loaded  []string
	Missing []string
	Unused  []string
}

// LoadSafetensors loads every model parameter found in path.
func (l *Loader) LoadSafetensors(path string) (*Report, error) {
	f, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}
	report, err := l.match(f)
	if err != nil {
		return report, err
	}
	if l.Strict && len(report.Missing) > 0 {
		return report, fmt.Errorf("checkpoint %s is missing %d tensors (first: %s)", path, len(report.Missing), report.Missing[0])
	}

	for _, p := range l.Model.Parameters() {
		if _, ok := f.Tensors[p.Name]; !ok {
			continue
		}
		data, _, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return report, fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
		p.Load(data)
	}

	for _, name := range report.Unused {
		log.Warn().Str("tensor", name).Msg("Unused checkpoint tensor")
	}
	for _, name := range report.Missing {
		log.Warn().Str("tensor", name).Msg("Parameter missing from checkpoint, keeping initial value")
	}
	log.Info().
		Str("path", path).
		Int("loaded", len(report.Loaded)).
		Int("missing", len(report.Missing)).
		Int("unused", len(report.Unused)).
		Msg("Checkpoint loaded")
	return report, nil
}

// Inspect compares a checkpoint with the model without loading it.
func (l *Loader) Inspect(path string) (*Report, error) {
	f, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint %s: %w", path, err)
	}
	return l.match(f)
}

// match checks names and shapes of the checkpoint against the model.
func (l *Loader) match(f *File) (*Report, error) {
	report := &Report{}
	known := make(map[string]bool)
	for _, p := range l.Model.Parameters() {
		known[p.Name] = true
		info, ok := f.Tensors[p.Name]
		if !ok {
			report.Missing = append(report.Missing, p.Name)
			continue
		}
		if _, err := numElements(info.Shape); err != nil {
			return report, fmt.Errorf("tensor %s: %w", p.Name, err)
		}
		if !sameShape(info.Shape, p.Shape) {
			return report, fmt.Errorf("%w: tensor %s has shape %v, model expects %v", model.ErrShape, p.Name, info.Shape, p.Shape)
		}
		report.Loaded = append(report.Loaded, p.Name)
	}

	for _, name := range f.Names() {
		if !known[name] && !isBuffer(name) {
			report.Unused = append(report.Unused, name)
		}
	}
	sort.Strings(report.Missing)
	return report, nil
}

// sameShape compares shapes ignoring leading unit axes, so a (1, 1, D)
// cls_token matches a checkpoint that stored it as (1, D) or (D).
func sameShape(a, b []int) bool {
	a, b = trimLeadingOnes(a), trimLeadingOnes(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func trimLeadingOnes(s []int) []int {
	for len(s) > 0 && s[0] == 1 {
		s = s[1:]
	}
	return s
}

func isBuffer(name string) bool {
	for _, s := range bufferSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// SaveSafetensors writes every model parameter to path in the given dtype.
func SaveSafetensors(path string, m *model.Model, dtype string) error {
	params := m.Parameters()
	tensors := make([]Tensor, len(params))
	for i, p := range params {
		tensors[i] = Tensor{Name: p.Name, Shape: p.Shape, Data: p.Save()}
	}
	meta := map[string]string{
		"format":         "pt",
		"image_size":     fmt.Sprint(m.Config.ImageSize),
		"patch_size":     fmt.Sprint(m.Config.PatchSize),
		"feature_layers": strings.Trim(fmt.Sprint(m.Config.FeatureLayers), "[]"),
	}
	if err := WriteFile(path, tensors, dtype, meta); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("dtype", dtype).Int("tensors", len(tensors)).Msg("Checkpoint written")
	return nil
}
