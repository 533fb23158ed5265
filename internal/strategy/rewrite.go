package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/quantforge/quantforge/internal/models"
)

// rewritable attribute lines in strategy code. Substitution is textual
// and limited to exactly these keys so the rest of the code is never
// touched.
var rewritePatterns = map[string]*regexp.Regexp{
	"sl_pct":          regexp.MustCompile(`(?m)^(\s*sl_pct\s*:\s*)\S+`),
	"tp_pct":          regexp.MustCompile(`(?m)^(\s*tp_pct\s*:\s*)\S+`),
	"leverage":        regexp.MustCompile(`(?m)^(\s*leverage\s*:\s*)\S+`),
	"exit_after_bars": regexp.MustCompile(`(?m)^(\s*exit_after_bars\s*:\s*)\S+`),
}

// RewriteParams substitutes a parameter tuple into strategy code and
// verifies the result still loads. On any failure the original code is
// returned untouched so a bad rewrite can never corrupt the parent.
func RewriteParams(loader Loader, name string, code []byte, params models.StrategyParams) ([]byte, error) {
	text := string(code)
	values := map[string]string{
		"sl_pct":          formatFloat(params.SLPct),
		"tp_pct":          formatFloat(params.TPPct),
		"leverage":        formatFloat(params.Leverage),
		"exit_after_bars": strconv.Itoa(params.ExitBars),
	}
	for key, re := range rewritePatterns {
		if !re.MatchString(text) {
			// Attribute absent: append it at the end of the document.
			text = strings.TrimRight(text, "\n") + "\n" + key + ": " + values[key] + "\n"
			continue
		}
		text = re.ReplaceAllString(text, "${1}"+values[key])
	}

	rewritten := []byte(text)
	inst, err := loader.Load(name, rewritten)
	if err != nil {
		return code, fmt.Errorf("rewritten code does not load: %w", err)
	}
	got := inst.Params()
	if got != params {
		return code, fmt.Errorf("rewrite mismatch: wanted %+v got %+v", params, got)
	}
	return rewritten, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
