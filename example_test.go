package trampoline_test

import (
	"context"
	"fmt"
	"log"

	"github.com/tinyrange/trampoline"
	"github.com/tinyrange/trampoline/internal/ffitype"
)

type comparator struct {
	calls int
}

// Callback orders two ints the way qsort expects.
func (c *comparator) Callback(a, b int32) int32 {
	c.calls++
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func Example() {
	s, err := trampoline.New(emulatedConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	cmp := &comparator{}
	fn, err := trampoline.FunctionPointer(context.Background(), s, cmp, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		log.Fatal(err)
	}

	// fn can now be handed to native code. Here it is called back through
	// the system's own caller.
	f, err := s.Resolve(fn, "(II)I")
	if err != nil {
		log.Fatal(err)
	}
	for _, pair := range [][2]int64{{1, 2}, {7, 7}, {9, -3}} {
		r, err := f.Call(ffitype.RawInt(pair[0]), ffitype.RawInt(pair[1]))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(r.Int())
	}
	fmt.Println(cmp.calls, "calls")
	// Output:
	// -1
	// 0
	// 1
	// 3 calls
}
