package gpu

import "fmt"

// Address is a GPU virtual address.
type Address uint64

// Add offsets a by x bytes.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Sub returns the distance from b to a. a must not be below b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

// page returns the number of the page containing a.
func (a Address) page() uint64 {
	return uint64(a / PageSize)
}

// PageAlign rounds a up to the next page boundary.
func (a Address) PageAlign() Address {
	return (a + PageSize - 1) &^ (PageSize - 1)
}

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}
