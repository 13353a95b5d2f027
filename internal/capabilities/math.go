package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrNonFinite      = errors.New("result is not a finite number")
)

const maxFactorial = 170

type mathParams struct {
	Operation string    `json:"operation"`
	Numbers   []float64 `json:"numbers"`
	A         *float64  `json:"a"`
	B         *float64  `json:"b"`
}

func (p mathParams) operands() []float64 {
	if len(p.Numbers) > 0 {
		return p.Numbers
	}
	var nums []float64
	if p.A != nil {
		nums = append(nums, *p.A)
	}
	if p.B != nil {
		nums = append(nums, *p.B)
	}
	return nums
}

type Calculation struct {
	Operation string    `json:"operation"`
	Inputs    []float64 `json:"inputs"`
	Result    float64   `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Calculate applies operation to numbers. Trigonometric inputs are degrees.
// Results that overflow or are undefined yield ErrNonFinite.
func Calculate(operation string, numbers []float64) (float64, error) {
	result, err := calculate(operation, numbers)
	if err != nil {
		return 0, err
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return 0, fmt.Errorf("%s: %w", operation, ErrNonFinite)
	}
	return result, nil
}

func calculate(operation string, numbers []float64) (float64, error) {
	if len(numbers) == 0 {
		return 0, errors.New("no numbers provided")
	}

	unary := func(name string) (float64, error) {
		if len(numbers) != 1 {
			return 0, fmt.Errorf("%s requires exactly one number", name)
		}
		return numbers[0], nil
	}

	switch operation {
	case "add":
		sum := 0.0
		for _, n := range numbers {
			sum += n
		}
		return sum, nil
	case "subtract":
		result := numbers[0]
		for _, n := range numbers[1:] {
			result -= n
		}
		return result, nil
	case "multiply":
		result := 1.0
		for _, n := range numbers {
			result *= n
		}
		return result, nil
	case "divide":
		result := numbers[0]
		for _, n := range numbers[1:] {
			if n == 0 {
				return 0, ErrDivisionByZero
			}
			result /= n
		}
		return result, nil
	case "power":
		if len(numbers) < 2 {
			return 0, errors.New("power requires base and exponent")
		}
		return math.Pow(numbers[0], numbers[1]), nil
	case "sqrt":
		n, err := unary("square root")
		if err != nil {
			return 0, err
		}
		if n < 0 {
			return 0, errors.New("cannot calculate square root of negative number")
		}
		return math.Sqrt(n), nil
	case "factorial":
		n, err := unary("factorial")
		if err != nil {
			return 0, err
		}
		if n < 0 || n != math.Trunc(n) {
			return 0, errors.New("factorial requires a non-negative integer")
		}
		if n > maxFactorial {
			return 0, fmt.Errorf("factorial input exceeds %d", maxFactorial)
		}
		result := 1.0
		for i := 2; i <= int(n); i++ {
			result *= float64(i)
		}
		return result, nil
	case "sin", "cos", "tan":
		n, err := unary(operation)
		if err != nil {
			return 0, err
		}
		rad := n * math.Pi / 180
		switch operation {
		case "sin":
			return math.Sin(rad), nil
		case "cos":
			return math.Cos(rad), nil
		default:
			return math.Tan(rad), nil
		}
	default:
		return 0, fmt.Errorf("unknown operation: %s", operation)
	}
}

func handleMath(_ context.Context, raw json.RawMessage) (any, error) {
	var p mathParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Operation == "" {
		p.Operation = "add"
	}

	inputs := p.operands()
	result, err := Calculate(p.Operation, inputs)
	if err != nil {
		return nil, err
	}
	return &Calculation{
		Operation: p.Operation,
		Inputs:    inputs,
		Result:    result,
		Timestamp: time.Now().UTC(),
	}, nil
}
