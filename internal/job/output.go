package job

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// outputPipes connects a subprocess's stdout and stderr to pipes owned by the
// job. The child gets the write ends as plain files, so waiting for the
// process returns when it exits even if a descendant still holds them.
type outputPipes struct {
	sinks   []io.Writer
	readers []*os.File
	writers []*os.File
	wg      sync.WaitGroup
}

func attachOutput(cmd *exec.Cmd, stdout, stderr io.Writer) (*outputPipes, error) {
	p := &outputPipes{sinks: []io.Writer{stdout, stderr}}
	for range p.sinks {
		r, w, err := os.Pipe()
		if err != nil {
			p.close()
			return nil, err
		}
		p.readers = append(p.readers, r)
		p.writers = append(p.writers, w)
	}

	cmd.Stdout = p.writers[0]
	cmd.Stderr = p.writers[1]
	return p, nil
}

// start closes the parent's write ends and begins copying. Call it once the
// subprocess has started.
func (p *outputPipes) start() {
	p.closeWriters()
	for i, r := range p.readers {
		p.wg.Add(1)
		go func(r *os.File, sink io.Writer) {
			defer p.wg.Done()
			_, _ = io.Copy(sink, r)
		}(r, p.sinks[i])
	}
}

// drain waits up to timeout for both streams to reach EOF, then closes the
// read ends. It reports whether the streams ended on their own.
func (p *outputPipes) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	complete := true
	select {
	case <-done:
	case <-timer.C:
		complete = false
	}

	p.closeReaders()
	<-done
	return complete
}

// close releases every descriptor still open. It is safe to call repeatedly.
func (p *outputPipes) close() {
	p.closeWriters()
	p.closeReaders()
}

func (p *outputPipes) closeWriters() {
	for _, w := range p.writers {
		_ = w.Close()
	}
	p.writers = nil
}

func (p *outputPipes) closeReaders() {
	for _, r := range p.readers {
		_ = r.Close()
	}
	p.readers = nil
}
