package engine

import (
	"io"
	"sync"
)

// WorkerPool is a fixed-size pool of goroutines handling blocking disk IO
// and DNS/external-IP resolution off the event-loop goroutine (spec.md
// §5, §9's design note: "a task-based model over a shared pool is
// equivalent [to a dedicated IO thread] so long as ordering and join
// semantics are preserved").
type WorkerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	quit  chan struct{}
	once  sync.Once
}

// NewWorkerPool starts n worker goroutines (minimum 1).
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	p := &WorkerPool{
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			t()
		case <-p.quit:
			return
		}
	}
}

// Submit enqueues fn to run on a worker goroutine.
func (p *WorkerPool) Submit(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.quit:
	}
}

// Shutdown stops accepting new work and joins every worker goroutine
// synchronously, matching the forced-shutdown join semantics spec.md §5
// requires on operation reset.
func (p *WorkerPool) Shutdown() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// IOWorker owns one transfer's opened local file handle after handoff
// from the File Transfer Operation: it is the sole reader/writer of that
// file, pumping bytes to/from a data-channel io.Reader/io.Writer through
// a bounded ring of buffers. The data-channel side (TransferSocket) is
// the only network producer/consumer, per spec.md §5.
type IOWorker struct {
	pool       *WorkerPool
	file       io.ReadWriteCloser
	writeToFile bool
	binary     bool

	buf      chan []byte // ready buffers (ring, capacity >= 2)
	free     chan []byte
	stop     chan struct{}
	done     chan struct{}
	err      error
	mu       sync.Mutex
}

// bufferCount is the minimum ring size spec.md §5 requires ("at least
// two").
const bufferCount = 4
const bufferSize = 32 * 1024

// NewIOWorker creates and starts a worker transferring bytes between
// file and the data channel. writeToFile is true for downloads (network
// -> file), false for uploads (file -> network).
func NewIOWorker(pool *WorkerPool, file io.ReadWriteCloser, writeToFile, binary bool) *IOWorker {
	w := &IOWorker{
		pool:        pool,
		file:        file,
		writeToFile: writeToFile,
		binary:      binary,
		buf:         make(chan []byte, bufferCount),
		free:        make(chan []byte, bufferCount),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := 0; i < bufferCount; i++ {
		w.free <- make([]byte, bufferSize)
	}
	return w
}

// PumpDownload copies from src (the data channel) into the owned file
// handle until EOF, stop, or error. Intended to be run via the worker
// pool.
func (w *IOWorker) PumpDownload(src io.Reader) {
	w.pool.Submit(func() {
		defer close(w.done)
		for {
			select {
			case <-w.stop:
				return
			default:
			}
			buf := <-w.free
			n, rerr := src.Read(buf)
			if n > 0 {
				if _, werr := w.file.Write(buf[:n]); werr != nil {
					w.setErr(werr)
					w.free <- buf
					return
				}
			}
			w.free <- buf
			if rerr != nil {
				if rerr != io.EOF {
					w.setErr(rerr)
				}
				return
			}
		}
	})
}

// PumpUpload copies from the owned file handle to dst (the data channel)
// until EOF, stop, or error.
func (w *IOWorker) PumpUpload(dst io.Writer) {
	w.pool.Submit(func() {
		defer close(w.done)
		for {
			select {
			case <-w.stop:
				return
			default:
			}
			buf := <-w.free
			n, rerr := w.file.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					w.setErr(werr)
					w.free <- buf
					return
				}
			}
			w.free <- buf
			if rerr != nil {
				if rerr != io.EOF {
					w.setErr(rerr)
				}
				return
			}
		}
	})
}

func (w *IOWorker) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first error encountered, if any, once Wait returns.
func (w *IOWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until the pump goroutine finishes (graceful EOF or Cancel).
func (w *IOWorker) Wait() { <-w.done }

// Cancel requests the worker stop as soon as possible (forced shutdown,
// e.g. on operation reset) and joins it synchronously.
func (w *IOWorker) Cancel() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Destroy joins the worker and closes its owned file handle.
func (w *IOWorker) Destroy() {
	w.Cancel()
	_ = w.file.Close()
}
