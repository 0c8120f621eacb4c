package gpu

import (
	"encoding/csv"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// FallbackTotalMB is used when nvidia-smi is unavailable or unparseable.
// It is a pragmatic floor, not a verified hardware capability; deployments
// should set gpu_total_mb explicitly when the query cannot run.
const FallbackTotalMB = 8192

// DetectTotalMB queries the driver once for total GPU memory in MB.
// Any failure degrades to FallbackTotalMB rather than aborting startup.
func DetectTotalMB(log zerolog.Logger) int {
	cmd := exec.Command("nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if execError, ok := err.(*exec.Error); ok && execError.Err == exec.ErrNotFound {
		log.Warn().Int("fallback_mb", FallbackTotalMB).Msg("nvidia-smi not found, using fallback GPU total")
		return FallbackTotalMB
	} else if err != nil {
		log.Warn().Err(err).Str("output", string(out)).Int("fallback_mb", FallbackTotalMB).
			Msg("error while executing nvidia-smi, using fallback GPU total")
		return FallbackTotalMB
	}
	mb, err := parseMemoryTotal(string(out))
	if err != nil {
		log.Warn().Err(err).Str("output", string(out)).Int("fallback_mb", FallbackTotalMB).
			Msg("error parsing nvidia-smi output, using fallback GPU total")
		return FallbackTotalMB
	}
	log.Info().Int("total_mb", mb).Msg("detected GPU memory")
	return mb
}

// parseMemoryTotal reads the first CSV record of the memory.total query.
func parseMemoryTotal(out string) (int, error) {
	r := csv.NewReader(strings.NewReader(out))
	record, err := r.Read()
	switch {
	case err == io.EOF:
		return 0, io.ErrUnexpectedEOF
	case err != nil:
		return 0, err
	case len(record) != 1:
		return 0, strconv.ErrSyntax
	}
	mb, err := strconv.Atoi(strings.TrimSpace(record[0]))
	if err != nil {
		return 0, err
	}
	if mb <= 0 {
		return 0, strconv.ErrRange
	}
	return mb, nil
}
