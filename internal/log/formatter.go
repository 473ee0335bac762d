package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// formatter renders entries from a pattern with the placeholders
// %time, %level, %caller, %func, %msg and %field.
type formatter struct {
	pattern string
	time    string
}

func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	frame, ok := callerFrame()
	r := strings.NewReplacer(
		"%time", entry.Time.Format(f.time),
		"%level", entry.Level.String(),
		"%caller", shortCaller(frame, ok),
		"%func", shortFunc(frame, ok),
		"%msg", entry.Message,
		"%field", buildFields(entry),
	)
	out := r.Replace(f.pattern)
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return []byte(out), nil
}

// callerFrame finds the first frame outside logrus and this package.
func callerFrame() (runtime.Frame, bool) {
	var pcs [24]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if !strings.Contains(fr.Function, "sirupsen/logrus") &&
			!strings.Contains(fr.Function, "tunsidecar/internal/log.") {
			return fr, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// shortCaller renders package/file.go:line.
func shortCaller(fr runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	file := fr.File
	if i := strings.LastIndex(file, "/"); i != -1 {
		file = file[i+1:]
	}
	pkg := fr.Function
	if i := strings.LastIndex(pkg, "/"); i != -1 {
		pkg = pkg[i+1:]
	}
	if i := strings.Index(pkg, "."); i != -1 {
		pkg = pkg[:i]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, fr.Line)
}

func shortFunc(fr runtime.Frame, ok bool) string {
	if !ok {
		return "unknown"
	}
	name := fr.Function
	if i := strings.LastIndex(name, "."); i != -1 {
		return name[i+1:]
	}
	return name
}

// buildFields renders entry data as sorted key=value pairs.
func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	fields := make([]string, 0, len(entry.Data))
	for key, val := range entry.Data {
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields = append(fields, fmt.Sprintf("%s=%v", key, val))
	}
	sort.Strings(fields)
	return strings.Join(fields, " ")
}
