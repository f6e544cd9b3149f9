package loss

import (
	"fmt"
	"math"

	"segforge/internal/model"
)

// Criterion scores logits against binary targets.
type Criterion interface {
	Name() string
	// Forward returns the mean loss and dLoss/dLogits.
	Forward(logits, target model.Tensor) (float64, model.Tensor, error)
}

func checkShapes(logits, target model.Tensor) error {
	if err := logits.Validate(); err != nil {
		return err
	}
	if logits.Shape != target.Shape || len(target.Data) != len(logits.Data) {
		return fmt.Errorf("loss: logits shape %s does not match target %s", logits.Shape, target.Shape)
	}
	return nil
}

// Sigmoid is the logistic function.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// BCEWithLogits is binary cross-entropy on raw logits, averaged over pixels.
type BCEWithLogits struct {
	// PosWeight scales the positive term; zero means 1.
	PosWeight float64
}

func (BCEWithLogits) Name() string { return "bce" }

func (c BCEWithLogits) Forward(logits, target model.Tensor) (float64, model.Tensor, error) {
	if err := checkShapes(logits, target); err != nil {
		return 0, model.Tensor{}, err
	}
	pw := c.PosWeight
	if pw <= 0 {
		pw = 1
	}
	n := float64(len(logits.Data))
	grad := model.NewTensor(logits.Shape)
	total := 0.0
	for i, x := range logits.Data {
		y := target.Data[i]
		// log(1+exp(-|x|)) keeps both branches finite
		softplusNeg := math.Log1p(math.Exp(-math.Abs(x)))
		logP := -(math.Max(-x, 0) + softplusNeg)  // log sigmoid(x)
		log1mP := -(math.Max(x, 0) + softplusNeg) // log(1 - sigmoid(x))
		total += -(pw*y*logP + (1-y)*log1mP)
		p := Sigmoid(x)
		grad.Data[i] = (pw*y*(p-1) + (1-y)*p) / n
	}
	return total / n, grad, nil
}

// SoftDice is 1 - dice coefficient computed on sigmoid probabilities per
// sample and averaged over the batch.
type SoftDice struct {
	Smooth float64
}

func (SoftDice) Name() string { return "dice" }

func (c SoftDice) Forward(logits, target model.Tensor) (float64, model.Tensor, error) {
	if err := checkShapes(logits, target); err != nil {
		return 0, model.Tensor{}, err
	}
	smooth := c.Smooth
	if smooth <= 0 {
		smooth = 1
	}
	grad := model.NewTensor(logits.Shape)
	batch := logits.Shape.N
	total := 0.0
	for n := 0; n < batch; n++ {
		xs := logits.Sample(n)
		ys := target.Sample(n)
		gs := grad.Sample(n)
		probs := make([]float64, len(xs))
		inter, sum := 0.0, 0.0
		for i, x := range xs {
			p := Sigmoid(x)
			probs[i] = p
			inter += p * ys[i]
			sum += p + ys[i]
		}
		num := 2*inter + smooth
		den := sum + smooth
		total += 1 - num/den
		for i, p := range probs {
			// d(1 - num/den)/dp = -(2y*den - num) / den^2
			dp := -(2*ys[i]*den - num) / (den * den)
			gs[i] = dp * p * (1 - p) / float64(batch)
		}
	}
	return total / float64(batch), grad, nil
}

// Weighted sums several criteria with weights.
type Weighted struct {
	Terms   []Criterion
	Weights []float64
}

func (w Weighted) Name() string {
	name := ""
	for i, t := range w.Terms {
		if i > 0 {
			name += "+"
		}
		name += t.Name()
	}
	return name
}

func (w Weighted) Forward(logits, target model.Tensor) (float64, model.Tensor, error) {
	if len(w.Terms) == 0 || len(w.Terms) != len(w.Weights) {
		return 0, model.Tensor{}, fmt.Errorf("loss: weighted needs one weight per term")
	}
	grad := model.NewTensor(logits.Shape)
	total := 0.0
	for i, term := range w.Terms {
		l, g, err := term.Forward(logits, target)
		if err != nil {
			return 0, model.Tensor{}, fmt.Errorf("loss: %s: %w", term.Name(), err)
		}
		total += w.Weights[i] * l
		for j, v := range g.Data {
			grad.Data[j] += w.Weights[i] * v
		}
	}
	return total, grad, nil
}

// ByName returns the criterion for a config name: bce, dice or bce_dice.
func ByName(name string) (Criterion, error) {
	switch name {
	case "", "bce":
		return BCEWithLogits{}, nil
	case "dice":
		return SoftDice{}, nil
	case "bce_dice":
		return Weighted{Terms: []Criterion{BCEWithLogits{}, SoftDice{}}, Weights: []float64{0.5, 0.5}}, nil
	default:
		return nil, fmt.Errorf("loss: unknown criterion %q", name)
	}
}
