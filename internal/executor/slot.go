package executor

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tribunal/tribunal/internal/util"
	"github.com/tribunal/tribunal/model"
)

// Fixed user-visible failure texts stored into the result record.
const (
	msgCompileTimeout = "Compile time out."
	msgExecuteTimeout = "Execution time out."
	msgUnknownError   = "Unknown error."
	msgSizeExceeded   = "Output size exceeded."
)

// runSlot drives one assigned task through prepare, compile, execute and
// cleanup. It runs on its own goroutine; all shared state goes through the
// table's synchronized accessors.
func (a *Agent) runSlot(t *model.Task) {
	log := a.log.With().Str("task", t.ID).Logger()
	log.Info().Msg("slot started")

	w, err := newWorkdir(a.params.DataDir, t.ID, a.params.UID, a.params.GID)
	if err != nil {
		log.Error().Err(err).Msg("failed to create working directory")
		a.abandon(t.ID)
		return
	}
	defer func() {
		if err := w.cleanup(); err != nil {
			log.Error().Err(err).Msg("failed to clean working directory")
		}
		log.Info().Msg("slot finished")
	}()

	compileScript, executeScript, stdinPath, err := a.prepare(w, t)
	if err != nil {
		// no partial task may be left runnable
		log.Error().Err(err).Msg("failed to prepare task files")
		a.abandon(t.ID)
		return
	}

	result := &model.Result{}

	if t.Compile != nil {
		if a.table.cancelled(t.ID) {
			log.Info().Msg("task cancelled before compile")
			a.abandon(t.ID)
			return
		}
		a.table.setStatus(t.ID, model.StatusCompiling)

		out, err := runScript(compileScript, w.source, nil,
			time.Duration(t.Compile.Timeout)*time.Second, a.params.UID, a.params.GID,
			func(p *os.Process) { a.table.setProc(t.ID, p) })
		if err != nil {
			log.Error().Err(err).Msg("compile subprocess failed")
			a.finish(t.ID, model.StatusCompileFailed, failedResult(result, &result.CompileError, msgUnknownError, log), log)
			return
		}
		ok := a.collect(out, &result.CompileOutput, &result.CompileError, msgCompileTimeout, log)
		if !ok || out.ExitCode != 0 {
			log.Info().Int("exit", out.ExitCode).Bool("timeout", out.TimedOut).Msg("compile failed")
			a.finish(t.ID, model.StatusCompileFailed, result, log)
			return
		}
		log.Info().Msg("compile succeeded")
	}

	if t.Execute == nil {
		a.finish(t.ID, model.StatusSuccess, result, log)
		return
	}

	if a.table.cancelled(t.ID) {
		log.Info().Msg("task cancelled before execution")
		a.abandon(t.ID)
		return
	}
	a.table.setStatus(t.ID, model.StatusRunning)

	stdin, err := os.Open(stdinPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open task input")
		a.finish(t.ID, model.StatusRunFailed, failedResult(result, &result.ExecuteError, msgUnknownError, log), log)
		return
	}
	out, err := runScript(executeScript, w.source, stdin,
		time.Duration(t.Execute.Timeout)*time.Second, a.params.UID, a.params.GID,
		func(p *os.Process) { a.table.setProc(t.ID, p) })
	stdin.Close()
	if err != nil {
		log.Error().Err(err).Msg("execute subprocess failed")
		a.finish(t.ID, model.StatusRunFailed, failedResult(result, &result.ExecuteError, msgUnknownError, log), log)
		return
	}

	ok := a.collect(out, &result.ExecuteOutput, &result.ExecuteError, msgExecuteTimeout, log)
	if !ok || out.ExitCode != 0 {
		log.Info().Int("exit", out.ExitCode).Bool("timeout", out.TimedOut).Msg("execution failed")
		a.finish(t.ID, model.StatusRunFailed, result, log)
		return
	}
	a.finish(t.ID, model.StatusSuccess, result, log)
}

// prepare materializes archives, scripts and the stdin file. Scripts come
// back as paths; a task without a compile or execute section simply gets no
// script for that stage.
func (a *Agent) prepare(w *workdir, t *model.Task) (compileScript, executeScript, stdinPath string, err error) {
	if t.Compile != nil {
		if len(t.Compile.Source) > 0 {
			if err = w.extractSource(t.Compile.Source); err != nil {
				return
			}
		}
		if compileScript, err = w.writeScript("compile", t.Compile.Command); err != nil {
			return
		}
	}
	if t.Execute != nil {
		if len(t.Execute.Data) > 0 {
			if err = w.extractData(t.Execute.Data); err != nil {
				return
			}
		}
		if executeScript, err = w.writeScript("execute", t.Execute.Command); err != nil {
			return
		}
		if stdinPath, err = w.writeStdin(t.Execute.Input); err != nil {
			return
		}
	}
	return
}

// collect compresses one stage's captured streams into the result. On
// timeout the stderr text is replaced by the stage's fixed message. Returns
// false when the stage must be treated as failed.
func (a *Agent) collect(out *runOutcome, output, errOutput *[]byte, timeoutMsg string, log zerolog.Logger) bool {
	stderr := out.Stderr
	if out.TimedOut {
		stderr = []byte(timeoutMsg)
	}

	var err error
	if *output, err = util.Compress(out.Stdout); err != nil {
		log.Error().Err(err).Msg("failed to compress stage output")
		return false
	}
	if *errOutput, err = util.Compress(stderr); err != nil {
		log.Error().Err(err).Msg("failed to compress stage error output")
		return false
	}

	// outputs that would blow the record ceiling are dropped and replaced
	// by a fixed marker, forcing failure
	probe := model.Task{Result: &model.Result{CompileOutput: *output, CompileError: *errOutput}}
	if probe.Oversized() {
		log.Warn().Msg("stage output exceeds record size ceiling")
		*output = nil
		if *errOutput, err = util.Compress([]byte(msgSizeExceeded)); err != nil {
			*errOutput = nil
		}
		return false
	}
	return !out.TimedOut
}

// failedResult fills one error field with a fixed message and returns the
// result for finalization.
func failedResult(result *model.Result, field *[]byte, msg string, log zerolog.Logger) *model.Result {
	zipped, err := util.Compress([]byte(msg))
	if err != nil {
		log.Error().Err(err).Msg("failed to compress failure message")
		return result
	}
	*field = zipped
	return result
}

// finish commits the terminal state so the next report carries it.
func (a *Agent) finish(id string, status model.Status, result *model.Result, log zerolog.Logger) {
	a.table.finish(id, status, result)
	log.Info().Str("status", status.String()).Msg("task finalized")
}

// abandon marks the entry cancelled and finished with no result; the sweep
// reaps it and the judicator's unreported-task check requeues the work.
func (a *Agent) abandon(id string) {
	a.table.markCancel(id)
	a.table.finish(id, model.StatusUnknownError, nil)
}
