// Package gpu implements the GPU slot table shared by the worker pool of a
// parallel executor. Free slots live under negative keys; booking moves a
// slot under the id of the step that uses it and freeing moves it back.
package gpu
