//go:build confine_slab

package registry

// New returns the backend selected at build time: the slab.
func New() Backend {
	return NewSlab()
}
