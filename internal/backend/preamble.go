package backend

import "fmt"

// SeedPreamble returns the source prepended to a submission when a random
// seed is set, making runs reproducible.
func SeedPreamble(seed int64) string {
	return fmt.Sprintf("import random\nrandom.seed(%d)\n", seed)
}

// InputEchoPreamble wraps input() so values read from a redirected stdin file
// appear in captured output, mirroring what an interactive terminal would
// show. Used where the platform cannot pipe stdin interactively.
const InputEchoPreamble = `import builtins as _rb_builtins
_rb_orig_input = _rb_builtins.input
def _rb_input(prompt=""):
    _rb_value = _rb_orig_input(prompt)
    print(_rb_value)
    return _rb_value
_rb_builtins.input = _rb_input
del _rb_builtins
`

// PrependPreambles joins the applicable preambles ahead of the code.
func PrependPreambles(code string, seed *int64, echoInput bool) string {
	prefix := ""
	if seed != nil {
		prefix += SeedPreamble(*seed)
	}
	if echoInput {
		prefix += InputEchoPreamble
	}
	if prefix == "" {
		return code
	}
	return prefix + "\n" + code
}
