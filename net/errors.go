package net

import (
	"errors"
	"strconv"
)

// ErrorCode is the numeric reason a channel was closed. It is carried in FIN
// packets and handed to the disconnect callbacks.
type ErrorCode int32

const (
	CodeNone ErrorCode = 0

	// tcp
	CodeSocketError    ErrorCode = 1
	CodePeerDisconnect ErrorCode = 2
	CodeTcpRecvError   ErrorCode = 3
	CodeTcpSendError   ErrorCode = 4
	CodeCloseByServer  ErrorCode = 5
	CodeErrorMessageID ErrorCode = 6
	CodeSessionTimeout ErrorCode = 7

	// kcp
	CodeKcpSplitCountError            ErrorCode = 31
	CodeKcpReadNotSame                ErrorCode = 32
	CodeKcpSplitError                 ErrorCode = 33
	CodeKcpSocketError                ErrorCode = 34
	CodeKcpConnectTimeout             ErrorCode = 35
	CodeKcpSocketCantSend             ErrorCode = 36
	CodeKcpWaitSendSizeTooLarge       ErrorCode = 37
	CodeKcpAcceptTimeout              ErrorCode = 38
	CodeKcpNotFoundChannel            ErrorCode = 39
	CodeKcpPacketSizeError            ErrorCode = 40
	CodeKcpDeserializePacketSizeError ErrorCode = 41

	// dispatcher
	CodeMessageTooLarge ErrorCode = 61
	CodeDecodeFailed    ErrorCode = 62
	CodeNoHandler       ErrorCode = 63
)

var errorCodeNames = map[ErrorCode]string{
	CodeNone:                          "None",
	CodeSocketError:                   "SocketError",
	CodePeerDisconnect:                "PeerDisconnect",
	CodeTcpRecvError:                  "TcpChannelRecvError",
	CodeTcpSendError:                  "TcpChannelSendError",
	CodeCloseByServer:                 "CloseByServer",
	CodeErrorMessageID:                "ErrorMessageId",
	CodeSessionTimeout:                "SessionTimeout",
	CodeKcpSplitCountError:            "KcpSplitCountError",
	CodeKcpReadNotSame:                "KcpReadNotSame",
	CodeKcpSplitError:                 "KcpSplitError",
	CodeKcpSocketError:                "KcpSocketError",
	CodeKcpConnectTimeout:             "KcpConnectTimeout",
	CodeKcpSocketCantSend:             "KcpSocketCantSend",
	CodeKcpWaitSendSizeTooLarge:       "KcpWaitSendSizeTooLarge",
	CodeKcpAcceptTimeout:              "KcpAcceptTimeout",
	CodeKcpNotFoundChannel:            "KcpNotFoundChannel",
	CodeKcpPacketSizeError:            "KcpPacketSizeError",
	CodeKcpDeserializePacketSizeError: "KcpDeserializePacketSizeError",
	CodeMessageTooLarge:               "MessageTooLarge",
	CodeDecodeFailed:                  "DecodeFailed",
	CodeNoHandler:                     "NoHandler",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return "ErrorCode(" + strconv.Itoa(int(c)) + ")"
}

var (
	ErrChannelNotFound    = errors.New("net: channel not found")
	ErrChannelExists      = errors.New("net: channel already exists")
	ErrChannelClosed      = errors.New("net: channel closed")
	ErrServiceStopped     = errors.New("net: service stopped")
	ErrServiceStarted     = errors.New("net: service already started")
	ErrServiceNotStarted  = errors.New("net: service not started")
	ErrInvalidAddress     = errors.New("net: invalid address")
	ErrRPCTimeout         = errors.New("net: rpc timeout")
	ErrDuplicateMessageID = errors.New("net: message id already registered")
	ErrUnknownMessageID   = errors.New("net: unknown message id")
	ErrPayloadTooLarge    = errors.New("net: payload too large")
)
