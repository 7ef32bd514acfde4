// Package bot is the dialog layer users talk to.
//
// It onboards users (/start), walks them through logging what they are
// doing (/log: activity, category, note) and exposes per-user settings.
// Every step of the log flow is a tracked dialog state: entering one arms
// the timeout cascade, leaving one cancels it. Poll prompts that come due
// while a dialog is open are postponed by the poll coordinator.
package bot
