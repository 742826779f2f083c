package journal

import "os"

// closeAndDeleteUnlessOK closes f and removes its path unless *ok is true,
// the shared idiom for unwinding a file created earlier in a multi-step
// create/commit sequence once that sequence fails partway through.
func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if f == nil || *ok {
		return
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
}

// closeUnlessOK closes f unless *ok is true, without removing it — used
// when the file being unwound is something the caller did not create
// (e.g. a descriptor opened read-only) and so has no business deleting.
func closeUnlessOK(f *os.File, ok *bool) {
	if f == nil || *ok {
		return
	}
	f.Close()
}
