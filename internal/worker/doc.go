// Package worker drives external detector processes.
//
// A detector process receives length-prefixed requests on stdin and answers on
// file descriptor 3 (see Worker.ProcessFrame for the frame layout). The Model type
// owns a fixed pool of such processes and is the only shared, process-wide state a
// detection session touches.
package worker
