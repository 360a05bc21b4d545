package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/greenscore/backend/internal/domain"
)

// DefaultHiddenLayers is the width of the two hidden dense layers
var DefaultHiddenLayers = []int{16, 8}

// DefaultDropout is the dropout rate applied after each hidden layer while training
const DefaultDropout = 0.2

type layer struct {
	Weights [][]float64 `json:"weights"` // [out][in]
	Biases  []float64   `json:"biases"`
}

// Network is a small fully connected network: ReLU hidden layers with dropout
// and a single sigmoid output in [0,1]. Fit trains a copy of the weights and
// swaps it in, so Predict keeps serving the previous weights during training.
type Network struct {
	mu         sync.RWMutex
	inputSize  int
	layers     []layer
	dropout    float64
	seed       uint64
	generation uint64
}

var _ domain.Model = (*Network)(nil)

// NewNetwork builds a randomly initialised network
func NewNetwork(inputSize int, hidden []int, dropout float64, seed uint64) *Network {
	if len(hidden) == 0 {
		hidden = DefaultHiddenLayers
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	sizes := append([]int{inputSize}, hidden...)
	sizes = append(sizes, 1)

	layers := make([]layer, 0, len(sizes)-1)
	for i := 1; i < len(sizes); i++ {
		in, out := sizes[i-1], sizes[i]
		limit := math.Sqrt(6.0 / float64(in+out))
		l := layer{
			Weights: make([][]float64, out),
			Biases:  make([]float64, out),
		}
		for j := range l.Weights {
			l.Weights[j] = make([]float64, in)
			for k := range l.Weights[j] {
				l.Weights[j][k] = (rng.Float64()*2 - 1) * limit
			}
		}
		layers = append(layers, l)
	}

	return &Network{
		inputSize: inputSize,
		layers:    layers,
		dropout:   dropout,
		seed:      seed,
	}
}

// InputSize returns the expected input dimension
func (n *Network) InputSize() int {
	return n.inputSize
}

// Predict runs a forward pass without dropout
func (n *Network) Predict(ctx context.Context, input []float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(input) != n.inputSize {
		return 0, fmt.Errorf("input has %d features, model expects %d", len(input), n.inputSize)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	return forward(n.layers, input), nil
}

func forward(layers []layer, input []float64) float64 {
	a := input
	last := len(layers) - 1
	for li, l := range layers {
		next := make([]float64, len(l.Weights))
		for j, row := range l.Weights {
			z := l.Biases[j]
			for k, w := range row {
				z += w * a[k]
			}
			if li == last {
				next[j] = sigmoid(z)
			} else {
				next[j] = math.Max(0, z)
			}
		}
		a = next
	}
	return a[0]
}

// Fit runs SGD with binary cross-entropy over the leading samples and
// evaluates on the trailing ValidationSplit fraction.
func (n *Network) Fit(ctx context.Context, inputs [][]float64, labels []float64, opts domain.TrainOptions) (domain.TrainResult, error) {
	if len(inputs) == 0 {
		return domain.TrainResult{}, domain.ErrInsufficientData
	}
	if len(inputs) != len(labels) {
		return domain.TrainResult{}, fmt.Errorf("got %d inputs and %d labels", len(inputs), len(labels))
	}
	for i, x := range inputs {
		if len(x) != n.inputSize {
			return domain.TrainResult{}, fmt.Errorf("sample %d has %d features, model expects %d", i, len(x), n.inputSize)
		}
	}

	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	lr := opts.LearningRate
	if lr <= 0 {
		lr = 0.05
	}

	nVal := int(float64(len(inputs)) * opts.ValidationSplit)
	if nVal == 0 && opts.ValidationSplit > 0 && len(inputs) > 1 {
		nVal = 1
	}
	nTrain := len(inputs) - nVal

	n.mu.Lock()
	layers := cloneLayers(n.layers)
	n.generation++
	rng := rand.New(rand.NewPCG(n.seed, n.generation))
	n.mu.Unlock()

	order := make([]int, nTrain)
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return domain.TrainResult{}, err
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, i := range order {
			sgdStep(layers, inputs[i], clamp01(labels[i]), lr, n.dropout, rng)
		}
	}

	evalInputs, evalLabels := inputs[nTrain:], labels[nTrain:]
	if len(evalInputs) == 0 {
		evalInputs, evalLabels = inputs, labels
	}
	result := evaluate(layers, evalInputs, evalLabels)

	n.mu.Lock()
	n.layers = layers
	n.mu.Unlock()

	return result, nil
}

func sgdStep(layers []layer, input []float64, label, lr, dropout float64, rng *rand.Rand) {
	last := len(layers) - 1
	activations := make([][]float64, len(layers)+1)
	factors := make([][]float64, len(layers)) // d(activation)/dz including dropout mask
	activations[0] = input

	keep := 1 - dropout
	for li, l := range layers {
		a := activations[li]
		out := make([]float64, len(l.Weights))
		factor := make([]float64, len(l.Weights))
		for j, row := range l.Weights {
			z := l.Biases[j]
			for k, w := range row {
				z += w * a[k]
			}
			if li == last {
				out[j] = sigmoid(z)
				continue
			}
			if z <= 0 {
				continue
			}
			mask := 1.0
			if dropout > 0 {
				if rng.Float64() >= keep {
					continue
				}
				mask = 1 / keep
			}
			out[j] = z * mask
			factor[j] = mask
		}
		activations[li+1] = out
		factors[li] = factor
	}

	// sigmoid + cross-entropy gradient w.r.t. the output pre-activation
	delta := []float64{activations[len(layers)][0] - label}

	for li := last; li >= 0; li-- {
		l := layers[li]
		prev := activations[li]

		var prevDelta []float64
		if li > 0 {
			prevDelta = make([]float64, len(prev))
			for j, row := range l.Weights {
				for k, w := range row {
					prevDelta[k] += w * delta[j]
				}
			}
			for k := range prevDelta {
				prevDelta[k] *= factors[li-1][k]
			}
		}

		for j, row := range l.Weights {
			g := lr * delta[j]
			for k := range row {
				row[k] -= g * prev[k]
			}
			l.Biases[j] -= g
		}

		delta = prevDelta
	}
}

// evaluate reports cross-entropy loss and accuracy as 1 - mean absolute error
func evaluate(layers []layer, inputs [][]float64, labels []float64) domain.TrainResult {
	const eps = 1e-7
	var loss, absErr float64
	for i, x := range inputs {
		y := forward(layers, x)
		t := clamp01(labels[i])
		p := math.Min(math.Max(y, eps), 1-eps)
		loss += -(t*math.Log(p) + (1-t)*math.Log(1-p))
		absErr += math.Abs(y - t)
	}
	count := float64(len(inputs))
	return domain.TrainResult{
		Loss:     loss / count,
		Accuracy: 1 - absErr/count,
	}
}

func cloneLayers(src []layer) []layer {
	dst := make([]layer, len(src))
	for i, l := range src {
		dst[i] = layer{
			Weights: make([][]float64, len(l.Weights)),
			Biases:  append([]float64(nil), l.Biases...),
		}
		for j, row := range l.Weights {
			dst[i].Weights[j] = append([]float64(nil), row...)
		}
	}
	return dst
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

// networkSnapshot is the persisted form of a Network
type networkSnapshot struct {
	InputSize int     `json:"inputSize"`
	Dropout   float64 `json:"dropout"`
	Seed      uint64  `json:"seed"`
	Layers    []layer `json:"layers"`
}

// MarshalJSON encodes the architecture and weights
func (n *Network) MarshalJSON() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return json.Marshal(networkSnapshot{
		InputSize: n.inputSize,
		Dropout:   n.dropout,
		Seed:      n.seed,
		Layers:    n.layers,
	})
}

// UnmarshalJSON restores a network and checks layer shapes
func (n *Network) UnmarshalJSON(data []byte) error {
	var snap networkSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if len(snap.Layers) == 0 {
		return fmt.Errorf("model has no layers")
	}

	in := snap.InputSize
	for i, l := range snap.Layers {
		if len(l.Weights) == 0 || len(l.Weights) != len(l.Biases) {
			return fmt.Errorf("layer %d: malformed shape", i)
		}
		for _, row := range l.Weights {
			if len(row) != in {
				return fmt.Errorf("layer %d: expected %d inputs, got %d", i, in, len(row))
			}
		}
		in = len(l.Weights)
	}
	if in != 1 {
		return fmt.Errorf("output layer must have one unit, got %d", in)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.inputSize = snap.InputSize
	n.dropout = snap.Dropout
	n.seed = snap.Seed
	n.layers = snap.Layers
	return nil
}
