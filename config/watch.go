package config

import (
	"github.com/fsnotify/fsnotify"
)

// Watch reloads Config from the environment whenever path changes on disk
// (an env-file sourced by the process supervisor, typically), delivering
// each successful reload to onChange. It runs until stop is closed.
func Watch(path string, onChange func(Config), stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if c, err := Load(); err == nil {
					onChange(c)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
