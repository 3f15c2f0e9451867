package ops

import (
	"fmt"
)

// Gemm computes alpha*A'*B' + beta*C where A' and B' are optionally transposed 2-D inputs.
// C may be nil, a scalar of shape [1], a row [N] / [1,N], a column [M,1] or a full [M,N] matrix.
func Gemm(pool *Pool, a, b, c *Tensor, transA, transB bool, alpha, beta float32) (*Tensor, error) {
	if err := expectFloat("gemm A", a); err != nil {
		return nil, err
	}
	if err := expectFloat("gemm B", b); err != nil {
		return nil, err
	}
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("gemm: expected 2-D inputs, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.Shape[0], b.Shape[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		return nil, fmt.Errorf("gemm: inner dimensions differ (%d vs %d)", k, kb)
	}
	bias, err := gemmBias(c, m, n)
	if err != nil {
		return nil, err
	}

	aAt := func(i, p int) float32 {
		if transA {
			return a.Float[p*m+i]
		}
		return a.Float[i*k+p]
	}
	bAt := func(p, j int) float32 {
		if transB {
			return b.Float[j*k+p]
		}
		return b.Float[p*n+j]
	}

	out := Zeros(m, n)
	pool.For(m*n, func(idx int) {
		i, j := idx/n, idx%n
		var acc float64
		for p := range k {
			acc += float64(aAt(i, p)) * float64(bAt(p, j))
		}
		v := alpha * float32(acc)
		if bias != nil {
			v += beta * bias(i, j)
		}
		out.Float[idx] = v
	})
	return out, nil
}

func gemmBias(c *Tensor, m, n int) (func(i, j int) float32, error) {
	if c == nil {
		return nil, nil
	}
	if err := expectFloat("gemm C", c); err != nil {
		return nil, err
	}
	switch {
	case c.Len() == 1:
		return func(int, int) float32 { return c.Float[0] }, nil
	case c.Len() == n && (c.Rank() == 1 || c.Shape[0] == 1):
		return func(_, j int) float32 { return c.Float[j] }, nil
	case c.Len() == m && c.Rank() == 2 && c.Shape[1] == 1:
		return func(i, _ int) float32 { return c.Float[i] }, nil
	case c.Len() == m*n:
		return func(i, j int) float32 { return c.Float[i*n+j] }, nil
	}
	return nil, fmt.Errorf("gemm: bias of shape %v cannot broadcast to [%d %d]", c.Shape, m, n)
}

// MatMul multiplies two 2-D matrices.
func MatMul(pool *Pool, a, b *Tensor) (*Tensor, error) {
	return Gemm(pool, a, b, nil, false, false, 1, 0)
}

// Add performs element-wise addition where b is either the same shape as a or broadcast along the
// trailing dimensions of a.
func Add(a, b *Tensor) (*Tensor, error) {
	if err := expectFloat("add A", a); err != nil {
		return nil, err
	}
	if err := expectFloat("add B", b); err != nil {
		return nil, err
	}
	if b.Len() == 0 || a.Len()%b.Len() != 0 {
		return nil, fmt.Errorf("add: cannot broadcast %v to %v", b.Shape, a.Shape)
	}
	out := a.Clone()
	nb := b.Len()
	for i := range out.Float {
		out.Float[i] += b.Float[i%nb]
	}
	return out, nil
}

// Mul performs element-wise multiplication with the same broadcasting rule as Add.
func Mul(a, b *Tensor) (*Tensor, error) {
	if err := expectFloat("mul A", a); err != nil {
		return nil, err
	}
	if err := expectFloat("mul B", b); err != nil {
		return nil, err
	}
	if b.Len() == 0 || a.Len()%b.Len() != 0 {
		return nil, fmt.Errorf("mul: cannot broadcast %v to %v", b.Shape, a.Shape)
	}
	out := a.Clone()
	nb := b.Len()
	for i := range out.Float {
		out.Float[i] *= b.Float[i%nb]
	}
	return out, nil
}
