package nn

import (
	"fmt"
	"io"
	"os"

	"github.com/born-ml/convkernel/internal/serialization"
	"github.com/born-ml/convkernel/internal/tensor"
)

// paramName names blob i of a layer in a weights file.
func paramName(layer string, i int) string {
	return fmt.Sprintf("%s.%d", layer, i)
}

// SaveWeights writes the parameter blobs of every layer to w in SafeTensors
// format. Blob i of layer "conv1" is stored as "conv1.i".
func (n *Net) SaveWeights(w io.Writer, dt serialization.DType) error {
	tensors := make(map[string]serialization.Tensor)
	for _, l := range n.layers {
		for i, b := range l.Blobs() {
			data, err := b.CPUData()
			if err != nil {
				return fmt.Errorf("nn: save %s: %w", l.Name(), err)
			}
			tensors[paramName(l.Name(), i)] = serialization.Tensor{Shape: b.Shape(), Data: data}
		}
	}
	return serialization.Write(w, tensors, serialization.WriterOptions{
		DType:    dt,
		Metadata: map[string]string{"net": n.name},
	})
}

// LoadWeights copies parameter blobs from a SafeTensors stream written by
// SaveWeights. Every parameter of the net must be present with a matching
// shape; tensors the net does not own are skipped.
func (n *Net) LoadWeights(r io.Reader) error {
	f, err := serialization.Read(r, serialization.ReaderOptions{})
	if err != nil {
		return fmt.Errorf("nn: load weights: %w", err)
	}
	used := 0
	for _, l := range n.layers {
		for i, b := range l.Blobs() {
			name := paramName(l.Name(), i)
			t, ok := f.Tensors[name]
			if !ok {
				return fmt.Errorf("nn: load weights: missing %q", name)
			}
			if !tensor.Shape(t.Shape).Equal(b.Shape()) {
				return fmt.Errorf("nn: load weights: %q has shape %v, layer wants %v", name, t.Shape, []int(b.Shape()))
			}
			dst, err := b.MutableCPUData()
			if err != nil {
				return err
			}
			copy(dst, t.Data)
			used++
		}
	}
	if skipped := len(f.Tensors) - used; skipped > 0 {
		n.log.Debug("weights skipped", "count", skipped, "from", f.Metadata["net"])
	}
	return nil
}

// SaveWeightsFile writes the net parameters to path.
func (n *Net) SaveWeightsFile(path string, dt serialization.DType) (err error) {
	//nolint:gosec // G304: path comes from the caller
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nn: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return n.SaveWeights(f, dt)
}

// LoadWeightsFile reads net parameters from path.
func (n *Net) LoadWeightsFile(path string) error {
	//nolint:gosec // G304: path comes from the caller
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("nn: %w", err)
	}
	defer f.Close()
	return n.LoadWeights(f)
}
