// Package waveform synthesizes the simulated EGG signal.
//
// A Generator keeps phase and last value per sensor so that consecutive batches
// join without jumps. Output is a slow sine (around 3 cycles per minute) with
// uniform noise, a per-step slew limit, and rare artifact spikes.
package waveform
