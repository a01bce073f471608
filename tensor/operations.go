package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if len(shape1) != len(shape2) {
		return nil, fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v", shape1, shape2)
	}

	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
		}
	}

	return shape1, nil
}

func elementwise(t1, t2 *Tensor, name string, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = f32(data1[i], data2[i])
		}
	case Int32:
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = i32(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Add",
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Sub",
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Mul",
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

// Scale multiplies every element of a Float32 tensor by a constant.
func Scale(t *Tensor, factor float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Scale: %s", t.DType)
	}

	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		resultData[i] = data[i] * float32(factor)
	}
	return result, nil
}

// MatMul computes the product of two 2-D Float32 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("MatMul requires Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}

	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2D tensors, got shapes %v and %v", t1.Shape, t2.Shape)
	}

	m, k := t1.Shape[0], t1.Shape[1]
	k2, n := t2.Shape[0], t2.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("inner dimensions must match: %v x %v", t1.Shape, t2.Shape)
	}

	result, err := Zeros([]int{m, n}, Float32)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	c := result.Data.([]float32)

	for i := 0; i < m; i++ {
		for l := 0; l < k; l++ {
			av := a[i*k+l]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				c[i*n+j] += av * b[l*n+j]
			}
		}
	}

	return result, nil
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(t *Tensor) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("Sigmoid only supports Float32 tensors, got %s", t.DType)
	}

	result, err := Zeros(t.Shape, Float32)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		resultData[i] = float32(1.0 / (1.0 + math.Exp(-float64(data[i]))))
	}

	return result, nil
}

// Sum collapses all elements to a single float64.
func Sum(t *Tensor) (float64, error) {
	switch t.DType {
	case Float32:
		var sum float64
		for _, v := range t.Data.([]float32) {
			sum += float64(v)
		}
		return sum, nil
	case Int32:
		var sum float64
		for _, v := range t.Data.([]int32) {
			sum += float64(v)
		}
		return sum, nil
	default:
		return 0, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}
}
