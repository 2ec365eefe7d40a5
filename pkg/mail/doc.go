// Package mail is the SMTP transport of the daily report pipeline.
package mail
