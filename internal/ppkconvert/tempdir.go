package ppkconvert

import (
	"os"
	"path/filepath"
)

func inTempDir(name string) string {
	return filepath.Join(os.TempDir(), "ppk_convert_"+name)
}
