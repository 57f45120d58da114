package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ClosedForm(t *testing.T) {
	tests := []struct {
		name                       string
		in, k, stride, pad, dilate int
		want                       int
	}{
		{"stride2_pad1", 7, 3, 2, 1, 1, 4},
		{"same_3x3", 5, 3, 1, 1, 1, 5},
		{"valid_3x3", 5, 3, 1, 0, 1, 3},
		{"pointwise", 9, 1, 1, 0, 1, 9},
		{"dilated", 9, 3, 1, 0, 2, 5},
		{"dilated_padded_strided", 10, 3, 3, 2, 2, 4},
		{"kernel_equals_input", 4, 4, 1, 0, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Resolve([]int{tt.in}, []int{tt.k}, []int{tt.stride}, []int{tt.pad}, []int{tt.dilate})
			require.NoError(t, err)
			extent := tt.dilate*(tt.k-1) + 1
			assert.Equal(t, (tt.in+2*tt.pad-extent)/tt.stride+1, out[0])
			assert.Equal(t, tt.want, out[0])
		})
	}
}

func TestResolve_PerAxis(t *testing.T) {
	out, err := Resolve([]int{8, 6, 5}, []int{3, 1, 2}, []int{1, 2, 1}, []int{1, 0, 0}, []int{1, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 3, 3}, out)
}

func TestResolve_Errors(t *testing.T) {
	tests := []struct {
		name                         string
		in, k, stride, pad, dilation []int
		want                         error
	}{
		{"axis_mismatch", []int{5, 5}, []int{3}, []int{1}, []int{0}, []int{1}, ErrAxisMismatch},
		{"zero_stride", []int{5}, []int{3}, []int{0}, []int{0}, []int{1}, ErrInvalidStride},
		{"zero_dilation", []int{5}, []int{3}, []int{1}, []int{0}, []int{0}, ErrInvalidDilation},
		{"zero_kernel", []int{5}, []int{0}, []int{1}, []int{0}, []int{1}, ErrInvalidKernel},
		{"negative_pad", []int{5}, []int{3}, []int{1}, []int{-1}, []int{1}, ErrNegativePad},
		{"kernel_too_large", []int{2}, []int{5}, []int{1}, []int{0}, []int{1}, ErrNonPositiveOutput},
		{"dilation_too_large", []int{5}, []int{3}, []int{1}, []int{0}, []int{3}, ErrNonPositiveOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.in, tt.k, tt.stride, tt.pad, tt.dilation)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestConv_Validate(t *testing.T) {
	base := Conv{
		Input:     []int{8, 7, 7},
		Kernel:    []int{3, 3},
		Stride:    []int{1, 1},
		Pad:       []int{1, 1},
		Dilation:  []int{1, 1},
		NumOutput: 16,
		Groups:    2,
	}
	require.NoError(t, base.Validate())

	out, err := base.Output()
	require.NoError(t, err)
	assert.Equal(t, []int{7, 7}, out)
	assert.Equal(t, 9, base.KernelVolume())
	assert.Equal(t, 2, base.SpatialAxes())

	bad := base
	bad.Groups = 3
	assert.ErrorIs(t, bad.Validate(), ErrGroupMismatch)

	bad = base
	bad.NumOutput = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidChannels)

	bad = base
	bad.Input = []int{8, 7}
	assert.ErrorIs(t, bad.Validate(), ErrAxisMismatch)
}

func TestBroadcast(t *testing.T) {
	v, err := Broadcast(nil, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1}, v)

	v, err = Broadcast([]int{2}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, v)

	v, err = Broadcast([]int{2, 3}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, v)

	_, err = Broadcast([]int{1, 2, 3}, 2, 1)
	assert.ErrorIs(t, err, ErrAxisMismatch)
}

func TestConv_Key(t *testing.T) {
	c := Conv{Input: []int{3, 5, 5}, Kernel: []int{3, 3}, Stride: []int{1, 1}, Pad: []int{0, 0}, Dilation: []int{1, 1}, NumOutput: 4, Groups: 1}
	assert.Equal(t, "in=[3x5x5],k=[3x3],s=[1x1],p=[0x0],d=[1x1],out=4,g=1", c.Key())
}
