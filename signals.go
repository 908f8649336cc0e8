package activebee

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
)

func (h *hive) registerSignals() {
	h.sigCh = make(chan os.Signal, 1)
	signal.Notify(h.sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		select {
		case s := <-h.sigCh:
			glog.Infof("%v received %v", h, s)
			h.Stop()
		case <-h.stopCh:
		}
	}()
}

func (h *hive) stopSignals() {
	if h.sigCh != nil {
		signal.Stop(h.sigCh)
	}
}
